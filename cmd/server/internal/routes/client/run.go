package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/audit"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

var errStartRun = errors.New("failed to start grading run")

func envOrNil(o types.Optional[types.Env]) types.Env {
	if !o.Defined || o.Value == nil {
		return nil
	}
	return *o.Value
}

// PostGradingRun creates a grading run of the assignment and schedules its first stage
//
//	@Summary		Start grading run
//	@Description	start a grading run of an assignment over a roster of students
//	@Tags			run
//	@Accept			json
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			assignment_name	path		string	true	"Assignment name"
//	@Param			payload			body		types.GradingRunRequest	true	"Grading run"
//
//	@Success		200		{object}	types.Data[types.GradingRunCreated]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_run/{course_id}/{assignment_name}/ [post]
func (h *Handler) PostGradingRun(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "PostGradingRun")
	defer span.End()

	courseID, assignmentName := c.Param(paramCourse), c.Param(paramAssignment)
	assignmentID := models.AssignmentID(courseID, assignmentName)
	span.SetAttributes(attribute.String("assignment.id", assignmentID))

	startedAt, err := requestTime(c, span)
	if err != nil {
		return err
	}

	raw, err := readBody(c, schema.GradingRun, "invalid grading run")
	if err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		return err
	}

	var req types.GradingRunRequest
	if err = decode(raw, &req); err != nil {
		span.SetStatus(codes.Error, "failed to decode request body")
		return err
	}

	var runID uuid.UUID
	err = h.loop.Do(ctx, "CreateGradingRun", func(ctx context.Context) error {
		assignment, err := h.store.GetAssignmentConfig(ctx, assignmentID)
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(fmt.Sprintf("assignment %s has not been configured", assignmentName))
		}
		if err != nil {
			return err
		}

		if req.PreProcessingEnv.Defined && len(assignment.PreProcessingPipeline) == 0 {
			return response.BadRequest("pre processing pipeline was not configured")
		}
		if req.PostProcessingEnv.Defined && len(assignment.PostProcessingPipeline) == 0 {
			return response.BadRequest("post processing pipeline was not configured")
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate run id: %w", err)
		}

		run := &models.GradingRun{
			Model:             models.Model{ID: id},
			AssignmentID:      assignmentID,
			State:             types.RunStateReady,
			StartedAt:         startedAt,
			PreProcessingEnv:  envOrNil(req.PreProcessingEnv),
			PostProcessingEnv: envOrNil(req.PostProcessingEnv),
			StudentsEnv:       req.StudentsEnv,
			StudentJobsLeft:   len(req.StudentsEnv),
		}
		if run.StudentsEnv == nil {
			run.StudentsEnv = []types.Env{}
		}
		if err = h.store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		runIDStr := run.ID.String()
		audit.LogRunCreated(audit.Context{CourseID: &courseID, RunID: &runIDStr}, assignmentID, len(run.StudentsEnv))

		if err = h.scheduler.ContinueRun(ctx, run); err != nil {
			logger.Logger.ErrorContext(ctx, "failed to start grading run", logger.Critical, true, "run", run.ID, "error", err)
			if failErr := h.scheduler.FailRun(ctx, run); failErr != nil {
				logger.Logger.ErrorContext(ctx, "failed to fail grading run", "run", run.ID, "error", failErr)
			}
			return fmt.Errorf("%w: %w", errStartRun, err)
		}

		runID = run.ID
		return nil
	})

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "rejected grading run")
		return httpErr
	case errors.Is(err, errStartRun):
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start grading run")
		return echo.NewHTTPError(http.StatusInternalServerError, types.StringError("failed to start grading run"))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create grading run")
		return response.InternalServerError
	}

	h.schedule.Notify()

	span.SetAttributes(attribute.String("run.id", runID.String()))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created grading run")
	return c.JSON(http.StatusOK, types.WrapData(types.GradingRunCreated{GradingRunID: runID.String()}))
}
