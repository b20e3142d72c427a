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
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const scopeAll = "all"

//	@Summary		Grading run status
//	@Description	get the state of a grading run and of each of its jobs
//	@Tags			run
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			run_id			path		string	true	"Grading run ID"	Format(uuid)
//
//	@Success		200		{object}	types.Data[types.GradingRunStatus]
//
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_run_status/{course_id}/{run_id}/ [get]
func (h *Handler) GetGradingRunStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetGradingRunStatus")
	defer span.End()

	course, err := authedCourse(c, span)
	if err != nil {
		return err
	}

	rawID := c.Param(paramRun)
	span.SetAttributes(attribute.String("run.id", rawID))
	notFound := response.NotFound(fmt.Sprintf("grading run %s not found", rawID))

	runID, err := uuid.Parse(rawID)
	if err != nil {
		span.SetStatus(codes.Ok, "invalid run id")
		return notFound
	}

	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && run.CourseID() != course.ID) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "run not found")
		return notFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get run")
		return response.InternalServerError
	}

	jobs, err := h.store.JobsByRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get run jobs")
		return response.InternalServerError
	}

	status := types.GradingRunStatus{
		State:            run.State,
		StudentJobsState: map[string]types.JobState{},
	}
	for _, job := range jobs {
		id := job.ID.String()
		switch job.Type {
		case types.JobTypePre:
			status.PreProcessingJobState = map[string]types.JobState{id: job.State()}
		case types.JobTypePost:
			status.PostProcessingJobState = map[string]types.JobState{id: job.State()}
		default:
			status.StudentJobsState[id] = job.State()
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got run status")
	return c.JSON(http.StatusOK, types.WrapData(status))
}

//	@Summary		Grading job log
//	@Description	get the stdout and stderr of a finished grading job
//	@Tags			job
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			job_id			path		string	true	"Grading job ID"	Format(uuid)
//
//	@Success		200		{object}	types.Data[types.GradingJobLog]
//
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_job_log/{course_id}/{job_id}/ [get]
func (h *Handler) GetGradingJobLog(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetGradingJobLog")
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

	log, err := h.store.GetJobLog(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job log not found")
		return response.NotFound(fmt.Sprintf("grading job %s has no log", rawID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job log")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job log")
	return c.JSON(http.StatusOK, types.WrapData(types.GradingJobLog{Stdout: log.Stdout, Stderr: log.Stderr}))
}

//	@Summary		List workers
//	@Description	list the registered grading workers
//	@Tags			worker
//	@Produce		json
//
//	@Security		CourseToken
//
//	@Param			course_id	path		string	true	"Course ID"
//	@Param			scope			path		string	true	"Worker scope"	Enums(all)
//
//	@Success		200		{object}	types.Data[types.WorkerNodes]
//
//	@Failure		401		{object}	types.Error
//	@Failure		404		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/worker/{course_id}/{scope}/ [get]
func (h *Handler) GetWorkers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetWorkers")
	defer span.End()

	scope := c.Param(paramScope)
	span.SetAttributes(attribute.String("scope", scope))

	if scope != scopeAll {
		span.SetStatus(codes.Ok, "unknown scope")
		return response.NotFound(fmt.Sprintf("scope %s has not been implemented yet", scope))
	}

	workers, err := h.store.ListWorkers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list workers")
		return response.InternalServerError
	}

	nodes := types.WorkerNodes{WorkerNodes: make([]types.WorkerNodeInfo, 0, len(workers))}
	for _, worker := range workers {
		nodes.WorkerNodes = append(nodes.WorkerNodes, worker.Info())
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed workers")
	return c.JSON(http.StatusOK, types.WrapData(nodes))
}
