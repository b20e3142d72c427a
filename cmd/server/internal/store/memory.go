package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// Non durable [Store] for tests and development.
//
// Records are copied on the way in and out. Nested maps and slices are
// replaced, never mutated in place, by every caller so shallow copies suffice.
type Memory struct {
	courses     map[string]*models.Course
	assignments map[string]*models.AssignmentConfig
	runs        map[uuid.UUID]*models.GradingRun
	jobs        map[uuid.UUID]*models.GradingJob
	logs        map[uuid.UUID]*models.GradingJobLog
	workers     map[string]*models.WorkerNode
	maxBytes    int
	mu          sync.Mutex
}

var _ Store = (*Memory)(nil)

func NewMemory(maxRecordBytes int) *Memory {
	return &Memory{
		courses:     map[string]*models.Course{},
		assignments: map[string]*models.AssignmentConfig{},
		runs:        map[uuid.UUID]*models.GradingRun{},
		jobs:        map[uuid.UUID]*models.GradingJob{},
		logs:        map[uuid.UUID]*models.GradingJobLog{},
		workers:     map[string]*models.WorkerNode{},
		maxBytes:    maxRecordBytes,
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func get[K comparable, V any](m map[K]*V, id K) (*V, error) {
	v, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func newID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate id: %w", err)
	}
	return id, nil
}

func (m *Memory) ReplaceCourses(ctx context.Context, courses []*models.Course) error {
	_, span := tracer.Start(ctx, "Memory.ReplaceCourses")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.courses = make(map[string]*models.Course, len(courses))
	for _, course := range courses {
		c := clone(course)
		c.CreatedAt, c.UpdatedAt = now, now
		m.courses[c.ID] = c
	}

	span.SetAttributes(attribute.Int("courses", len(courses)))
	return nil
}

func (m *Memory) GetCourse(_ context.Context, id string) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.courses, id)
}

func (m *Memory) PutAssignmentConfig(ctx context.Context, cfg *models.AssignmentConfig) error {
	if err := checkSize(ctx, m.maxBytes, "assignment config", cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := clone(cfg)
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.assignments[c.ID] = c
	return nil
}

func (m *Memory) GetAssignmentConfig(_ context.Context, id string) (*models.AssignmentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.assignments, id)
}

func (m *Memory) DeleteAssignmentConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assignments[id]; !ok {
		return ErrNotFound
	}
	delete(m.assignments, id)
	return nil
}

func (m *Memory) CreateRun(ctx context.Context, run *models.GradingRun) error {
	if err := checkSize(ctx, m.maxBytes, "grading run", run); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == uuid.Nil {
		id, err := newID()
		if err != nil {
			return err
		}
		run.ID = id
	}
	if _, ok := m.runs[run.ID]; ok {
		return ErrConflict
	}

	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*models.GradingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.runs, id)
}

func (m *Memory) UpdateRun(ctx context.Context, run *models.GradingRun) error {
	if err := checkSize(ctx, m.maxBytes, "grading run", run); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}

	run.UpdatedAt = time.Now()
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *Memory) DecrementStudentJobsLeft(_ context.Context, runID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if run.StudentJobsLeft > 0 {
		run.StudentJobsLeft--
		run.UpdatedAt = time.Now()
	}
	return run.StudentJobsLeft, nil
}

func (m *Memory) CreateJob(ctx context.Context, job *models.GradingJob) error {
	if err := checkSize(ctx, m.maxBytes, "grading job", job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[job.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, job.RunID)
	}

	if job.ID == uuid.Nil {
		id, err := newID()
		if err != nil {
			return err
		}
		job.ID = id
	}
	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}

	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*models.GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.jobs, id)
}

func (m *Memory) UpdateJob(ctx context.Context, job *models.GradingJob) error {
	if err := checkSize(ctx, m.maxBytes, "grading job", job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}

	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) sortedJobs(keep func(*models.GradingJob) bool) []*models.GradingJob {
	jobs := []*models.GradingJob{}
	for _, job := range m.jobs {
		if keep(job) {
			jobs = append(jobs, clone(job))
		}
	}

	slices.SortFunc(jobs, func(a, b *models.GradingJob) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return jobs
}

func (m *Memory) JobsByRun(_ context.Context, runID uuid.UUID) ([]*models.GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedJobs(func(j *models.GradingJob) bool { return j.RunID == runID }), nil
}

func (m *Memory) UnfinishedJobs(_ context.Context) ([]*models.GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedJobs(func(j *models.GradingJob) bool { return !j.FinishedAt.Valid }), nil
}

func (m *Memory) AssignJob(ctx context.Context, jobID uuid.UUID, workerID string, at time.Time) error {
	_, span := tracer.Start(ctx, "Memory.AssignJob")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	worker, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}

	if job.StartedAt.Valid || job.FinishedAt.Valid {
		return fmt.Errorf("%w: job %s already started", ErrConflict, jobID)
	}
	if worker.Busy() {
		return fmt.Errorf("%w: worker %s is busy", ErrConflict, workerID)
	}

	job.StartedAt = models.NewNullFromData(at)
	job.WorkerID = models.NewNullFromData(workerID)
	job.UpdatedAt = time.Now()

	worker.RunningJobID = models.NewNullFromData(jobID.String())
	worker.JobsProcessed++
	worker.UpdatedAt = job.UpdatedAt
	return nil
}

func (m *Memory) UnassignJob(ctx context.Context, jobID uuid.UUID, workerID string) error {
	_, span := tracer.Start(ctx, "Memory.UnassignJob")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if job.FinishedAt.Valid || !job.WorkerID.Valid || job.WorkerID.V != workerID {
		return fmt.Errorf("%w: job %s is not held by %s", ErrConflict, jobID, workerID)
	}

	now := time.Now()
	job.StartedAt = models.NewNull[time.Time](nil)
	job.WorkerID = models.NewNull[string](nil)
	job.UpdatedAt = now

	if worker, ok := m.workers[workerID]; ok && worker.RunningJobID.V == jobID.String() {
		worker.RunningJobID = models.NewNull[string](nil)
		worker.JobsProcessed = max(worker.JobsProcessed-1, 0)
		worker.UpdatedAt = now
	}
	return nil
}

func (m *Memory) FinishJob(ctx context.Context, jobID uuid.UUID, outcome JobOutcome) error {
	_, span := tracer.Start(ctx, "Memory.FinishJob")
	defer span.End()

	if err := checkSize(ctx, m.maxBytes, "grading job result", outcome.Results, outcome.Log); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if job.FinishedAt.Valid {
		return fmt.Errorf("%w: job %s already finished", ErrConflict, jobID)
	}

	now := time.Now()
	job.FinishedAt = models.NewNullFromData(outcome.FinishedAt)
	job.Success = models.NewNullFromData(outcome.Success)
	job.Results = outcome.Results
	job.UpdatedAt = now

	if job.WorkerID.Valid {
		if worker, ok := m.workers[job.WorkerID.V]; ok && worker.RunningJobID.V == jobID.String() {
			worker.RunningJobID = models.NewNull[string](nil)
			worker.UpdatedAt = now
		}
	}

	if outcome.Log != nil {
		m.logs[jobID] = &models.GradingJobLog{
			CreatedAt: now,
			JobID:     jobID,
			Stdout:    outcome.Log.Stdout,
			Stderr:    outcome.Log.Stderr,
		}
	}
	return nil
}

func (m *Memory) GetJobLog(_ context.Context, jobID uuid.UUID) (*models.GradingJobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.logs, jobID)
}

func (m *Memory) CreateWorker(ctx context.Context, worker *models.WorkerNode) error {
	if err := checkSize(ctx, m.maxBytes, "worker node", worker); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[worker.ID]; ok {
		return ErrConflict
	}

	now := time.Now()
	worker.CreatedAt, worker.UpdatedAt = now, now
	m.workers[worker.ID] = clone(worker)
	return nil
}

func (m *Memory) GetWorker(_ context.Context, id string) (*models.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return get(m.workers, id)
}

func (m *Memory) UpdateWorker(ctx context.Context, worker *models.WorkerNode) error {
	if err := checkSize(ctx, m.maxBytes, "worker node", worker); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[worker.ID]; !ok {
		return ErrNotFound
	}

	worker.UpdatedAt = time.Now()
	m.workers[worker.ID] = clone(worker)
	return nil
}

func (m *Memory) DeleteWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[id]; !ok {
		return ErrNotFound
	}
	delete(m.workers, id)
	return nil
}

func (m *Memory) sortedWorkers(keep func(*models.WorkerNode) bool) []*models.WorkerNode {
	workers := []*models.WorkerNode{}
	for _, worker := range m.workers {
		if keep(worker) {
			workers = append(workers, clone(worker))
		}
	}

	slices.SortFunc(workers, func(a, b *models.WorkerNode) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return workers
}

func (m *Memory) ListWorkers(_ context.Context) ([]*models.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedWorkers(func(*models.WorkerNode) bool { return true }), nil
}

func (m *Memory) WorkersByLiveness(_ context.Context, alive bool) ([]*models.WorkerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedWorkers(func(w *models.WorkerNode) bool { return w.IsAlive == alive }), nil
}

func (m *Memory) ResetPushWorkers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	now := time.Now()
	for _, worker := range m.workers {
		if worker.TransportMode == types.TransportPush && worker.IsAlive {
			worker.IsAlive = false
			worker.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (m *Memory) Close() error {
	return nil
}
