package workers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/audit"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/workers"

var tracer = otel.Tracer(name)

var (
	ErrWorkerExists   = errors.New("worker already exists")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerNotAlive = errors.New("worker is not alive")
)

// Result record given to a job whose worker was lost while running it
const LostResult = "worker died while executing job"

const (
	ReasonHeartbeat    = "heartbeat timeout"
	ReasonDisconnected = "connection closed"
	ReasonRestart      = "orchestrator restarted"
)

//go:generate mockgen -destination ./mock/mock.go -package mock . Conn

// Server side handle of a push worker's channel
type Conn interface {
	SendJob(ctx context.Context, job types.GradingJob) error
	Close() error
}

type Completer interface {
	OnJobComplete(ctx context.Context, jobID, runID uuid.UUID)
}

// Tracks worker liveness and the push channels of connected workers.
// Methods other than the handle accessors must be called from event loop tasks.
type Registry struct {
	store     store.Store
	loop      *eventloop.Loop
	callbacks Completer
	clock     clockwork.Clock
	lost      metric.Int64Counter
	conns     map[string]Conn
	heartbeat time.Duration
	mu        sync.Mutex
}

func New(
	st store.Store,
	loop *eventloop.Loop,
	callbacks Completer,
	clock clockwork.Clock,
	heartbeat time.Duration,
) (*Registry, error) {
	lost, err := otel.Meter(name).Int64Counter(
		"broadway.workers.lost",
		metric.WithDescription("workers declared lost"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lost workers counter: %w", err)
	}

	return &Registry{
		store:     st,
		loop:      loop,
		callbacks: callbacks,
		clock:     clock,
		lost:      lost,
		conns:     make(map[string]Conn),
		heartbeat: heartbeat,
	}, nil
}

func (r *Registry) HeartbeatInterval() time.Duration {
	return r.heartbeat
}

func (r *Registry) get(ctx context.Context, id string) (*models.WorkerNode, error) {
	worker, err := r.store.GetWorker(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return worker, err
}

// Records a new worker or revives a dead one under the same id
func (r *Registry) Register(
	ctx context.Context,
	id, hostname string,
	mode types.TransportMode,
) (*models.WorkerNode, error) {
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.id", id),
		attribute.String("worker.hostname", hostname),
		attribute.String("worker.mode", string(mode)),
	)

	worker, err := r.get(ctx, id)
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		worker = &models.WorkerNode{
			ID:            id,
			Hostname:      hostname,
			LastSeen:      r.clock.Now(),
			IsAlive:       true,
			TransportMode: mode,
		}
		err = r.store.CreateWorker(ctx, worker)
	case err != nil:
	case worker.IsAlive:
		span.SetStatus(codes.Error, "worker already exists")
		return nil, fmt.Errorf("%w: %s", ErrWorkerExists, id)
	default:
		span.AddEvent("reviving")
		worker.Hostname = hostname
		worker.LastSeen = r.clock.Now()
		worker.IsAlive = true
		worker.TransportMode = mode
		worker.RunningJobID = models.NewNull[string](nil)
		err = r.store.UpdateWorker(ctx, worker)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register worker")
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	audit.LogWorkerRegistered(id, hostname, mode)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "registered worker")
	return worker, nil
}

func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Heartbeat")
	defer span.End()

	span.SetAttributes(attribute.String("worker.id", id))

	worker, err := r.get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get worker")
		return err
	}
	if !worker.IsAlive {
		span.SetStatus(codes.Error, "worker is not alive")
		return fmt.Errorf("%w: %s", ErrWorkerNotAlive, id)
	}

	worker.LastSeen = r.clock.Now()
	if err = r.store.UpdateWorker(ctx, worker); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update worker")
		return fmt.Errorf("failed to update worker: %w", err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recorded heartbeat")
	return nil
}

// Declares lost every live worker silent for at least two heartbeat intervals
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Sweep")
	defer span.End()

	alive, err := r.store.WorkersByLiveness(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list live workers")
		return 0, fmt.Errorf("failed to list live workers: %w", err)
	}

	now := r.clock.Now()
	lost := 0
	var errs []error
	for _, worker := range alive {
		if now.Sub(worker.LastSeen) < 2*r.heartbeat {
			continue
		}

		if err = r.Lost(ctx, worker.ID, ReasonHeartbeat); err != nil {
			errs = append(errs, err)
			continue
		}
		lost++
	}

	span.SetAttributes(attribute.Int("lost", lost))
	if err = errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark some workers lost")
		return lost, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "swept workers")
	return lost, nil
}

// Marks the worker dead and fails the job it was running. Lost workers are ignored.
func (r *Registry) Lost(ctx context.Context, id, reason string) error {
	ctx, span := tracer.Start(ctx, "Lost")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.id", id),
		attribute.String("reason", reason),
	)

	worker, err := r.get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get worker")
		return err
	}
	if !worker.IsAlive {
		span.AddEvent("already_lost")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "worker already lost")
		return nil
	}

	running, err := r.release(ctx, worker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to release running job")
		return err
	}

	if conn := r.take(id); conn != nil {
		if err := conn.Close(); err != nil {
			logger.Logger.DebugContext(ctx, "failed to close lost worker channel", "worker", id, "error", err)
		}
	}

	logger.Logger.WarnContext(ctx, "worker lost", "worker", id, "hostname", worker.Hostname, "reason", reason)
	audit.LogWorkerLost(id, worker.Hostname, running, reason)
	r.lost.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "marked worker lost")
	return nil
}

// Fails the worker's running job, then stores it dead and idle.
// Returns the id of the job that was running, if any.
func (r *Registry) release(ctx context.Context, worker *models.WorkerNode) (*string, error) {
	var running *string
	if worker.RunningJobID.Valid {
		running = models.PtrFromNull(worker.RunningJobID)
		if err := r.failJob(ctx, worker.RunningJobID.V); err != nil {
			return running, err
		}

		// finishing the job clears running_job_id on the stored worker
		reloaded, err := r.get(ctx, worker.ID)
		if err != nil {
			return running, err
		}
		worker = reloaded
	}

	worker.IsAlive = false
	worker.RunningJobID = models.NewNull[string](nil)
	if err := r.store.UpdateWorker(ctx, worker); err != nil {
		return running, fmt.Errorf("failed to update worker: %w", err)
	}
	return running, nil
}

func (r *Registry) failJob(ctx context.Context, rawID string) error {
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		logger.Logger.ErrorContext(ctx, "worker holds invalid job id", logger.Critical, true, "job", rawID)
		return nil
	}

	job, err := r.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Logger.ErrorContext(ctx, "worker holds unknown job", logger.Critical, true, "job", rawID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get running job: %w", err)
	}
	if job.FinishedAt.Valid {
		return nil
	}

	err = r.store.FinishJob(ctx, job.ID, store.JobOutcome{
		FinishedAt: r.clock.Now(),
		Results:    []types.StageResult{{"result": LostResult}},
		Success:    false,
	})
	if err != nil {
		return fmt.Errorf("failed to fail running job: %w", err)
	}

	runID := job.RunID
	r.loop.Post(ctx, "OnJobComplete", func(ctx context.Context) {
		r.callbacks.OnJobComplete(ctx, jobID, runID)
	})
	return nil
}

// Fails the jobs still held by workers that are already dead, such as push
// workers reset on startup
func (r *Registry) ReapDead(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ReapDead")
	defer span.End()

	dead, err := r.store.WorkersByLiveness(ctx, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list dead workers")
		return 0, fmt.Errorf("failed to list dead workers: %w", err)
	}

	reaped := 0
	for _, worker := range dead {
		if !worker.Busy() {
			continue
		}

		running, err := r.release(ctx, worker)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to release running job")
			return reaped, err
		}

		audit.LogWorkerLost(worker.ID, worker.Hostname, running, ReasonRestart)
		reaped++
	}

	span.SetAttributes(attribute.Int("reaped", reaped))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "reaped dead workers")
	return reaped, nil
}

// Replaces the worker's push channel
func (r *Registry) Attach(id string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = conn
}

// Forgets conn if it is still the worker's current channel, reporting whether it was
func (r *Registry) Detach(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[id]; !ok || current != conn {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry) take(id string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.conns[id]
	delete(r.conns, id)
	return conn
}

func (r *Registry) Conn(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Ids of workers with an attached push channel, sorted
func (r *Registry) PushWorkerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
