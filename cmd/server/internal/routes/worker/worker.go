package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/dispatch"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/response"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/workers"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/routes/worker"

var tracer = otel.Tracer(name)

const paramWorker = "worker_id"

// Grading worker routes: registration, polling, results, heartbeats and the push channel
type Handler struct {
	loop       *eventloop.Loop
	registry   *workers.Registry
	dispatcher *dispatch.Dispatcher
	schedule   *eventloop.Signal
	auth       *servermiddleware.Handler
	clock      clockwork.Clock
	upgrader   websocket.Upgrader
}

func NewHandler(
	loop *eventloop.Loop,
	registry *workers.Registry,
	dispatcher *dispatch.Dispatcher,
	schedule *eventloop.Signal,
	auth *servermiddleware.Handler,
	clock clockwork.Clock,
) *Handler {
	return &Handler{
		loop:       loop,
		registry:   registry,
		dispatcher: dispatcher,
		schedule:   schedule,
		auth:       auth,
		clock:      clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// graders are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) AddRoutes(g *echo.Group) {
	ids := servermiddleware.IdentifierParams(paramWorker)
	cluster := h.auth.ClusterAuth()
	known := h.auth.WorkerExists(paramWorker)

	g.POST("/worker/:worker_id/", h.Register, ids, cluster)
	g.GET("/grading_job/:worker_id/", h.PullJob, ids, cluster, known)
	g.POST("/grading_job/:worker_id/", h.SubmitResult, ids, cluster, known)
	g.POST("/heartbeat/:worker_id/", h.Heartbeat, ids, cluster, known)
	// the token is checked after the upgrade so failures get a close code
	g.GET("/worker_ws/:worker_id/", h.WS, ids)
}

// Register registers a polling worker
//
//	@Summary		Register worker
//	@Description	register a polling grading worker
//	@Tags			grader
//	@Accept			json
//	@Produce		json
//
//	@Security		ClusterToken
//
//	@Param			worker_id	path		string	true	"Worker ID"
//	@Param			payload			body		types.WorkerRegistration	true	"Worker"
//
//	@Success		200		{object}	types.Data[types.WorkerRegistered]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/worker/{worker_id}/ [post]
func (h *Handler) Register(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Register")
	defer span.End()

	workerID := c.Param(paramWorker)
	span.SetAttributes(attribute.String("worker.id", workerID))

	var req types.WorkerRegistration
	if err := c.Bind(&req); err != nil {
		span.SetStatus(codes.Error, "failed to bind request body")
		return response.BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		span.SetStatus(codes.Error, "invalid request body")
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	err := h.loop.Do(ctx, "RegisterWorker", func(ctx context.Context) error {
		_, err := h.registry.Register(ctx, workerID, req.Hostname, types.TransportPull)
		return err
	})
	if errors.Is(err, workers.ErrWorkerExists) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "worker already exists")
		return response.BadRequest(fmt.Sprintf("worker id %s already exists", workerID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register worker")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "registered worker")
	return c.JSON(http.StatusOK, types.WrapData(types.WorkerRegistered{
		Heartbeat: int(h.registry.HeartbeatInterval().Seconds()),
	}))
}

// PullJob assigns the next queued job to the worker
//
//	@Summary		Pull grading job
//	@Description	take the next grading job in round robin course order; 498 when every queue is empty
//	@Tags			grader
//	@Produce		json
//
//	@Security		ClusterToken
//
//	@Param			worker_id	path		string	true	"Worker ID"
//
//	@Success		200		{object}	types.Data[types.GradingJob]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		498		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_job/{worker_id}/ [get]
func (h *Handler) PullJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "PullJob")
	defer span.End()

	workerID := c.Param(paramWorker)
	span.SetAttributes(attribute.String("worker.id", workerID))

	var job types.GradingJob
	err := h.loop.Do(ctx, "PullJob", func(ctx context.Context) error {
		var err error
		job, err = h.dispatcher.PullJob(ctx, workerID)
		return err
	})
	switch {
	case errors.Is(err, dispatch.ErrQueueEmpty):
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "queue empty")
		return response.QueueEmptyError
	case errors.Is(err, workers.ErrWorkerNotAlive), errors.Is(err, dispatch.ErrWorkerBusy):
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "worker cannot take a job")
		return response.BadRequest(err.Error())
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to pull job")
		return response.InternalServerError
	}

	span.SetAttributes(attribute.String("job.id", job.GradingJobID))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "assigned job")
	return c.JSON(http.StatusOK, types.WrapData(job))
}

// errors a worker can cause by submitting a result it does not hold
func rejectedResult(err error) bool {
	return errors.Is(err, dispatch.ErrJobNotFound) ||
		errors.Is(err, dispatch.ErrJobNotRunning) ||
		errors.Is(err, dispatch.ErrWrongWorker)
}

// SubmitResult records the result of the worker's job
//
//	@Summary		Submit job result
//	@Description	submit the result of the job the worker holds
//	@Tags			grader
//	@Accept			json
//	@Produce		json
//
//	@Security		ClusterToken
//
//	@Param			worker_id	path		string	true	"Worker ID"
//	@Param			payload			body		types.JobResult	true	"Job result"
//
//	@Success		200		{object}	types.Data[any]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/grading_job/{worker_id}/ [post]
func (h *Handler) SubmitResult(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmitResult")
	defer span.End()

	workerID := c.Param(paramWorker)
	span.SetAttributes(attribute.String("worker.id", workerID))

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return response.BadRequest("failed to read request body")
	}
	result, err := decodeResult(raw)
	if err != nil {
		span.SetStatus(codes.Error, "invalid job result")
		return echo.NewHTTPError(http.StatusBadRequest, types.SchemaError("invalid job result", err))
	}

	err = h.loop.Do(ctx, "SubmitResult", func(ctx context.Context) error {
		return h.dispatcher.SubmitResult(ctx, workerID, result)
	})
	if rejectedResult(err) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "rejected job result")
		return response.BadRequest(err.Error())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job result")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "accepted job result")
	return c.JSON(http.StatusOK, types.Data[any]{})
}

// Heartbeat keeps the worker alive
//
//	@Summary		Worker heartbeat
//	@Description	refresh the liveness of a registered worker
//	@Tags			grader
//	@Produce		json
//
//	@Security		ClusterToken
//
//	@Param			worker_id	path		string	true	"Worker ID"
//
//	@Success		200		{object}	types.Data[any]
//
//	@Failure		400		{object}	types.Error
//	@Failure		401		{object}	types.Error
//	@Failure		500		{object}	types.Error
//
//	@Router			/heartbeat/{worker_id}/ [post]
func (h *Handler) Heartbeat(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Heartbeat")
	defer span.End()

	workerID := c.Param(paramWorker)
	span.SetAttributes(attribute.String("worker.id", workerID))

	err := h.loop.Do(ctx, "Heartbeat", func(ctx context.Context) error {
		return h.registry.Heartbeat(ctx, workerID)
	})
	if errors.Is(err, workers.ErrWorkerNotAlive) || errors.Is(err, workers.ErrWorkerNotFound) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "rejected heartbeat")
		return response.BadRequest(err.Error())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record heartbeat")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recorded heartbeat")
	return c.JSON(http.StatusOK, types.Data[any]{})
}

// Schema checks then decodes a job result
func decodeResult(raw []byte) (types.JobResult, error) {
	var result types.JobResult
	if err := schema.Validate(schema.JobResult, raw); err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, err
	}
	return result, nil
}
