package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/audit"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// PostAssignmentConfig creates or replaces the assignment's grading config
//
//	@Summary		Set assignment config
//	@Description	create or replace the grading pipelines of an assignment
//	@Tags			config
//	@Accept			json
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			assignment_name	path		string	true	"Assignment name"
//	@Param			payload			body		types.AssignmentConfig	true	"Assignment config"
//
//	@Success		200		{object}	types.Data[any]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_config/{course_id}/{assignment_name}/ [post]
func (h *Handler) PostAssignmentConfig(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "PostAssignmentConfig")
	defer span.End()

	courseID, assignmentName := c.Param(paramCourse), c.Param(paramAssignment)
	span.SetAttributes(
		attribute.String("course.id", courseID),
		attribute.String("assignment.name", assignmentName),
	)

	raw, err := readBody(c, schema.AssignmentConfig, "invalid assignment config")
	if err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		return err
	}

	var cfg types.AssignmentConfig
	if err = decode(raw, &cfg); err != nil {
		span.SetStatus(codes.Error, "failed to decode request body")
		return err
	}

	assignment := models.NewAssignmentConfig(courseID, assignmentName, cfg)
	err = h.loop.Do(ctx, "PutAssignmentConfig", func(ctx context.Context) error {
		return h.store.PutAssignmentConfig(ctx, assignment)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store assignment config")
		return response.InternalServerError
	}

	audit.LogAssignmentConfigUpdated(audit.Context{CourseID: &courseID}, assignment.ID, cfg)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stored assignment config")
	return c.JSON(http.StatusOK, types.Data[any]{})
}

// GetAssignmentConfig returns the assignment's grading config
//
//	@Summary		Get assignment config
//	@Description	get the grading pipelines of an assignment
//	@Tags			config
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			assignment_name	path		string	true	"Assignment name"
//
//	@Success		200		{object}	types.Data[types.AssignmentConfig]
//
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_config/{course_id}/{assignment_name}/ [get]
func (h *Handler) GetAssignmentConfig(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetAssignmentConfig")
	defer span.End()

	assignmentID := models.AssignmentID(c.Param(paramCourse), c.Param(paramAssignment))
	span.SetAttributes(attribute.String("assignment.id", assignmentID))

	assignment, err := h.store.GetAssignmentConfig(ctx, assignmentID)
	if errors.Is(err, store.ErrNotFound) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "assignment config not found")
		return response.NotFound("assignment configuration not found")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get assignment config")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got assignment config")
	return c.JSON(http.StatusOK, types.WrapData(assignment.ToConfig()))
}
