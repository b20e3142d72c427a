package routes

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	echoswagger "github.com/swaggo/echo-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/internal/validator"
)

const APIPrefix = "/api/v1"

func BuildEcho(logger *slog.Logger, clock clockwork.Clock) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true

	validate := validator.Create()
	e.Validator = &validate

	e.Pre(
		middleware.AddTrailingSlashWithConfig(
			middleware.TrailingSlashConfig{Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Request().URL.Path, "/swagger")
			}},
		),
	)

	e.Use(
		otelecho.Middleware("broadway-api"),
		slogecho.NewWithConfig(logger, slogecho.Config{}),
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}),
		servermiddleware.Time(servermiddleware.TimeKey, clock),
	)

	e.GET("/health/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/swagger/*", echoswagger.WrapHandler)

	return e, nil
}
