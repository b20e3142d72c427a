package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/workers"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/dispatch"

var tracer = otel.Tracer(name)

var (
	ErrQueueEmpty    = errors.New("no grading job available")
	ErrWorkerBusy    = errors.New("worker is already running a job")
	ErrJobNotFound   = errors.New("grading job not found")
	ErrJobNotRunning = errors.New("grading job is not running")
	ErrWrongWorker   = errors.New("grading job is held by another worker")
)

// Hands queued jobs to workers and takes their results back.
// Methods other than [Dispatcher.Run] must be called from event loop tasks.
type Dispatcher struct {
	store        store.Store
	queue        multiqueue.MultiQueue
	registry     *workers.Registry
	callbacks    workers.Completer
	loop         *eventloop.Loop
	schedule     *eventloop.Signal
	clock        clockwork.Clock
	dispatched   metric.Int64Counter
	sendFailures metric.Int64Counter
	results      metric.Int64Counter
}

func New(
	st store.Store,
	mq multiqueue.MultiQueue,
	registry *workers.Registry,
	callbacks workers.Completer,
	loop *eventloop.Loop,
	schedule *eventloop.Signal,
	clock clockwork.Clock,
) (*Dispatcher, error) {
	meter := otel.Meter(name)

	dispatched, err := meter.Int64Counter(
		"broadway.jobs.dispatched",
		metric.WithDescription("grading jobs handed to workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}

	sendFailures, err := meter.Int64Counter(
		"broadway.jobs.send_failures",
		metric.WithDescription("grading jobs that could not be pushed to a worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create send failures counter: %w", err)
	}

	results, err := meter.Int64Counter(
		"broadway.jobs.results",
		metric.WithDescription("grading job results accepted from workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create results counter: %w", err)
	}

	return &Dispatcher{
		store:        st,
		queue:        mq,
		registry:     registry,
		callbacks:    callbacks,
		loop:         loop,
		schedule:     schedule,
		clock:        clock,
		dispatched:   dispatched,
		sendFailures: sendFailures,
		results:      results,
	}, nil
}

func (d *Dispatcher) idleWorker(ctx context.Context, workerID string) (*models.WorkerNode, error) {
	worker, err := d.store.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workers.ErrWorkerNotFound, workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if !worker.IsAlive {
		return nil, fmt.Errorf("%w: %s", workers.ErrWorkerNotAlive, workerID)
	}
	if worker.Busy() {
		return nil, fmt.Errorf("%w: %s", ErrWorkerBusy, workerID)
	}
	return worker, nil
}

// Pulls the next runnable job and assigns it to workerID. Queue entries whose
// job is gone or already started are dropped.
func (d *Dispatcher) next(ctx context.Context, workerID string) (*models.GradingJob, error) {
	for {
		item, err := d.queue.Pull(ctx)
		if errors.Is(err, multiqueue.ErrEmpty) {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pull from queue: %w", err)
		}

		job, err := d.store.GetJob(ctx, item.JobID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Logger.ErrorContext(ctx, "queued job does not exist", logger.Critical, true, "job", item.JobID)
			continue
		}
		if err != nil {
			d.requeue(ctx, item.Course, item.JobID)
			return nil, fmt.Errorf("failed to get queued job: %w", err)
		}
		if job.StartedAt.Valid || job.FinishedAt.Valid {
			logger.Logger.ErrorContext(ctx, "queued job already started", logger.Critical, true, "job", job.ID)
			continue
		}

		err = d.store.AssignJob(ctx, job.ID, workerID, d.clock.Now())
		if err != nil {
			d.requeue(ctx, item.Course, item.JobID)
			return nil, fmt.Errorf("failed to assign job: %w", err)
		}
		return job, nil
	}
}

func (d *Dispatcher) requeue(ctx context.Context, course string, jobID uuid.UUID) {
	if err := d.queue.PushFront(ctx, course, jobID); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to put job back on queue", logger.Critical, true,
			"job", jobID, "error", err)
	}
}

func wire(job *models.GradingJob) types.GradingJob {
	return types.GradingJob{GradingJobID: job.ID.String(), Stages: job.Stages}
}

// Assigns the next queued job to a polling worker
func (d *Dispatcher) PullJob(ctx context.Context, workerID string) (types.GradingJob, error) {
	ctx, span := tracer.Start(ctx, "PullJob")
	defer span.End()

	span.SetAttributes(attribute.String("worker.id", workerID))

	if _, err := d.idleWorker(ctx, workerID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker cannot take a job")
		return types.GradingJob{}, err
	}

	job, err := d.next(ctx, workerID)
	if errors.Is(err, ErrQueueEmpty) {
		span.AddEvent("queue_empty")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "queue empty")
		return types.GradingJob{}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to assign job")
		return types.GradingJob{}, err
	}

	d.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("course", job.CourseID),
		attribute.String("mode", string(types.TransportPull)),
	))

	span.SetAttributes(attribute.String("job.id", job.ID.String()))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "assigned job")
	return wire(job), nil
}

// Pushes queued jobs to every idle worker with an open channel.
// A failed send puts the job back at the head of its queue and closes the channel.
func (d *Dispatcher) Schedule(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Schedule")
	defer span.End()

	sent := 0
	for _, workerID := range d.registry.PushWorkerIDs() {
		conn, ok := d.registry.Conn(workerID)
		if !ok {
			continue
		}
		if _, err := d.idleWorker(ctx, workerID); err != nil {
			continue
		}

		job, err := d.next(ctx, workerID)
		if errors.Is(err, ErrQueueEmpty) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to assign job")
			return sent, err
		}

		if err = conn.SendJob(ctx, wire(job)); err != nil {
			d.sendFailed(ctx, workerID, conn, job, err)
			continue
		}

		d.dispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("course", job.CourseID),
			attribute.String("mode", string(types.TransportPush)),
		))
		sent++
	}

	span.SetAttributes(attribute.Int("sent", sent))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "scheduled jobs")
	return sent, nil
}

func (d *Dispatcher) sendFailed(ctx context.Context, workerID string, conn workers.Conn, job *models.GradingJob, err error) {
	logger.Logger.WarnContext(ctx, "failed to send job to worker", "worker", workerID, "job", job.ID, "error", err)
	d.sendFailures.Add(ctx, 1)

	if err := d.store.UnassignJob(ctx, job.ID, workerID); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to unassign job after send failure", logger.Critical, true,
			"worker", workerID, "job", job.ID, "error", err)
		return
	}
	d.requeue(ctx, job.CourseID, job.ID)

	// the channel's reader sees the close and reports the worker lost
	if err := conn.Close(); err != nil {
		logger.Logger.DebugContext(ctx, "failed to close worker channel", "worker", workerID, "error", err)
	}
}

// Records a worker's result for the job it holds and posts the run continuation
func (d *Dispatcher) SubmitResult(ctx context.Context, workerID string, result types.JobResult) error {
	ctx, span := tracer.Start(ctx, "SubmitResult")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.id", workerID),
		attribute.String("job.id", result.GradingJobID),
	)

	jobID, err := uuid.Parse(result.GradingJobID)
	if err != nil {
		span.SetStatus(codes.Error, "invalid job id")
		return fmt.Errorf("%w: %s", ErrJobNotFound, result.GradingJobID)
	}

	job, err := d.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		span.SetStatus(codes.Error, "job not found")
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return fmt.Errorf("failed to get job: %w", err)
	}

	if !job.StartedAt.Valid || job.FinishedAt.Valid {
		span.SetStatus(codes.Error, "job not running")
		return fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
	}
	if job.WorkerID.V != workerID {
		span.SetStatus(codes.Error, "job held by another worker")
		return fmt.Errorf("%w: %s", ErrWrongWorker, jobID)
	}

	success := result.Success != nil && *result.Success
	err = d.store.FinishJob(ctx, jobID, store.JobOutcome{
		FinishedAt: d.clock.Now(),
		Results:    result.Results,
		Log:        &result.Logs,
		Success:    success,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish job")
		return fmt.Errorf("failed to finish job: %w", err)
	}

	runID := job.RunID
	d.loop.Post(ctx, "OnJobComplete", func(ctx context.Context) {
		d.callbacks.OnJobComplete(ctx, jobID, runID)
	})
	d.schedule.Notify()

	d.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("course", job.CourseID),
		attribute.Bool("success", success),
	))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recorded result")
	return nil
}

// Runs [Dispatcher.Schedule] on the loop each time the schedule signal fires, until ctx ends
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.schedule.C():
			d.loop.Post(ctx, "Schedule", func(ctx context.Context) {
				if _, err := d.Schedule(ctx); err != nil {
					logger.Logger.ErrorContext(ctx, "failed to schedule jobs", "error", err)
				}
			})
		}
	}
}
