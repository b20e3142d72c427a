package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/internal/validator"
)

// Rejects requests whose named route parameters are not identifiers
func IdentifierParams(params ...string) echo.MiddlewareFunc {
	valid := validator.Create()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, span := tracer.Start(c.Request().Context(), "IdentifierParams")
			defer span.End()

			for _, param := range params {
				raw := c.Param(param)
				if err := valid.Var(raw, "identifier"); err != nil {
					span.SetAttributes(attribute.String("param", param), attribute.String("value", raw))
					span.RecordError(nil)
					span.SetStatus(codes.Ok, "invalid identifier")
					return response.BadRequest(fmt.Sprintf("invalid %s", param))
				}
			}

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "validated params")
			return next(c)
		}
	}
}
