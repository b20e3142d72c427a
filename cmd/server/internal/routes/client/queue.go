package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

//	@Summary		Queue length
//	@Description	number of jobs of the course waiting for a worker
//	@Tags			queue
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//
//	@Success		200		{object}	types.Data[types.QueueLength]
//
//	@Failure		401		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/queue/{course_id}/length/ [get]
func (h *Handler) GetQueueLength(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetQueueLength")
	defer span.End()

	courseID := c.Param(paramCourse)
	span.SetAttributes(attribute.String("course.id", courseID))

	length, err := h.queue.Length(ctx, courseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get queue length")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got queue length")
	return c.JSON(http.StatusOK, types.WrapData(types.QueueLength{Length: length}))
}

//	@Summary		Queue position
//	@Description	zero based position of a queued job in its course queue
//	@Tags			queue
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			job_id			path		string	true	"Grading job ID"	Format(uuid)
//
//	@Success		200		{object}	types.Data[types.QueuePosition]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/queue/{course_id}/{job_id}/position/ [get]
func (h *Handler) GetQueuePosition(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetQueuePosition")
	defer span.End()

	course, err := authedCourse(c, span)
	if err != nil {
		return err
	}

	rawID := c.Param(paramJob)
	span.SetAttributes(attribute.String("job.id", rawID))
	notFound := response.NotFound(fmt.Sprintf("grading job %s not found", rawID))

	jobID, err := uuid.Parse(rawID)
	if err != nil {
		span.SetStatus(codes.Ok, "invalid job id")
		return notFound
	}

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.CourseID != course.ID) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job not found")
		return notFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return response.InternalServerError
	}

	position, err := h.queue.Position(ctx, course.ID, jobID)
	if errors.Is(err, multiqueue.ErrNoQueue) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "course has no queue")
		return response.BadRequest(fmt.Sprintf("%s does not exist as a course in the queue", course.ID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get queue position")
		return response.InternalServerError
	}
	if position < 0 {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job already left the queue")
		return response.BadRequest(fmt.Sprintf("%s has already passed through the queue", rawID))
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got queue position")
	return c.JSON(http.StatusOK, types.WrapData(types.QueuePosition{Position: position}))
}
