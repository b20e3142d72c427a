package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name string = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"

var tracer = otel.Tracer(name)

var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("record conflict")
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// Default upper bound of a single serialized record
const DefaultMaxRecordBytes = 16 * 1024 * 1024

// Terminal outcome of a grading job as reported by a worker or by loss recovery
type JobOutcome struct {
	FinishedAt time.Time
	Results    []types.StageResult
	Log        *types.GradingJobLog
	Success    bool
}

// Persistence of courses, assignments, runs, jobs, logs and workers.
//
// Implementations return [ErrNotFound] for missing records, [ErrConflict] for
// assignments that violate the job/worker pairing and [ErrRecordTooLarge]
// before writing records larger than the configured limit.
type Store interface {
	ReplaceCourses(ctx context.Context, courses []*models.Course) error
	GetCourse(ctx context.Context, id string) (*models.Course, error)

	PutAssignmentConfig(ctx context.Context, cfg *models.AssignmentConfig) error
	GetAssignmentConfig(ctx context.Context, id string) (*models.AssignmentConfig, error)
	DeleteAssignmentConfig(ctx context.Context, id string) error

	CreateRun(ctx context.Context, run *models.GradingRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.GradingRun, error)
	UpdateRun(ctx context.Context, run *models.GradingRun) error
	// Atomically decrements student_jobs_left, never below zero, and returns the new value
	DecrementStudentJobsLeft(ctx context.Context, runID uuid.UUID) (int, error)

	CreateJob(ctx context.Context, job *models.GradingJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.GradingJob, error)
	UpdateJob(ctx context.Context, job *models.GradingJob) error
	JobsByRun(ctx context.Context, runID uuid.UUID) ([]*models.GradingJob, error)
	// Jobs without finished_at ordered by queued_at
	UnfinishedJobs(ctx context.Context) ([]*models.GradingJob, error)
	AssignJob(ctx context.Context, jobID uuid.UUID, workerID string, at time.Time) error
	UnassignJob(ctx context.Context, jobID uuid.UUID, workerID string) error
	FinishJob(ctx context.Context, jobID uuid.UUID, outcome JobOutcome) error
	GetJobLog(ctx context.Context, jobID uuid.UUID) (*models.GradingJobLog, error)

	CreateWorker(ctx context.Context, worker *models.WorkerNode) error
	GetWorker(ctx context.Context, id string) (*models.WorkerNode, error)
	UpdateWorker(ctx context.Context, worker *models.WorkerNode) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*models.WorkerNode, error)
	WorkersByLiveness(ctx context.Context, alive bool) ([]*models.WorkerNode, error)
	// Marks every push worker not alive, returning how many were changed
	ResetPushWorkers(ctx context.Context) (int, error)

	Close() error
}

func checkSize(ctx context.Context, maxBytes int, kind string, records ...any) error {
	if maxBytes <= 0 {
		return nil
	}

	size := 0
	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to measure %s: %w", kind, err)
		}
		size += len(raw)
	}

	if size > maxBytes {
		logger.Logger.ErrorContext(
			ctx, "refusing to write oversized record",
			logger.Critical, true,
			"kind", kind,
			"size", size,
			"max", maxBytes,
		)
		return fmt.Errorf("%w: %s is %d bytes", ErrRecordTooLarge, kind, size)
	}

	return nil
}
