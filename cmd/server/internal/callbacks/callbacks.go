package callbacks

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/scheduler"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/audit"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/callbacks"

var tracer = otel.Tracer(name)

// Reacts to finished grading jobs by advancing or failing their run
type RunCallbacks struct {
	store     store.Store
	scheduler *scheduler.Scheduler
}

func New(st store.Store, sched *scheduler.Scheduler) *RunCallbacks {
	return &RunCallbacks{store: st, scheduler: sched}
}

// Applies the outcome of a finished job to its run. Inconsistent state is
// logged and ignored; the run is never left half updated by a failed lookup.
func (c *RunCallbacks) OnJobComplete(ctx context.Context, jobID, runID uuid.UUID) {
	ctx, span := tracer.Start(ctx, "OnJobComplete")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("run.id", runID.String()),
	)

	l := logger.Logger.With("job", jobID, "run", runID)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		l.ErrorContext(ctx, "cannot update non-existent job", logger.Critical, true, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job not found")
		return
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		l.ErrorContext(ctx, "cannot update non-existent run", logger.Critical, true, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run not found")
		return
	}

	if run.FinishedAt.Valid || run.State.Terminal() {
		l.ErrorContext(ctx, "cannot update run that already finished", logger.Critical, true, "state", run.State)
		span.SetStatus(codes.Error, "run already finished")
		return
	}

	success := job.Success.Valid && job.Success.V
	courseID, rawRunID := run.CourseID(), run.ID.String()
	audit.LogJobCompleted(
		audit.Context{CourseID: &courseID, RunID: &rawRunID},
		job.ID.String(), job.Type, nullString(job.WorkerID.V, job.WorkerID.Valid), success,
	)

	span.SetAttributes(
		attribute.String("job.type", string(job.Type)),
		attribute.String("run.state", string(run.State)),
		attribute.Bool("success", success),
	)

	switch job.Type {
	case types.JobTypePre:
		if run.State != types.RunStatePreProcessing {
			l.ErrorContext(ctx, "pre processing job finished outside of pre processing", logger.Critical, true, "state", run.State)
			span.SetStatus(codes.Error, "job type does not match run state")
			return
		}
		err = c.advance(ctx, run, success)
	case types.JobTypeStudent:
		if run.State != types.RunStateStudents {
			l.ErrorContext(ctx, "student job finished outside of student stage", logger.Critical, true, "state", run.State)
			span.SetStatus(codes.Error, "job type does not match run state")
			return
		}
		err = c.studentFinished(ctx, run)
	case types.JobTypePost:
		if run.State != types.RunStatePostProcessing {
			l.ErrorContext(ctx, "post processing job finished outside of post processing", logger.Critical, true, "state", run.State)
			span.SetStatus(codes.Error, "job type does not match run state")
			return
		}
		if run.StudentJobsLeft != 0 {
			l.ErrorContext(ctx, "post processing job finished with student jobs remaining", logger.Critical, true,
				"studentJobsLeft", run.StudentJobsLeft)
			span.SetStatus(codes.Error, "student jobs remaining")
			return
		}
		err = c.advance(ctx, run, success)
	default:
		l.ErrorContext(ctx, "cannot update run with unknown job type", logger.Critical, true, "type", job.Type)
		span.SetStatus(codes.Error, "unknown job type")
		return
	}

	if err != nil {
		l.ErrorContext(ctx, "failed to apply job outcome to run", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply job outcome")
		return
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "applied job outcome")
}

// a failed pre or post job fails the run, a successful one continues it
func (c *RunCallbacks) advance(ctx context.Context, run *models.GradingRun, success bool) error {
	if success {
		return c.scheduler.ContinueRun(ctx, run)
	}
	return c.scheduler.FailRun(ctx, run)
}

// student failures are recorded on the job only and never fail the run
func (c *RunCallbacks) studentFinished(ctx context.Context, run *models.GradingRun) error {
	if run.StudentJobsLeft <= 0 {
		logger.Logger.ErrorContext(ctx, "student job finished with no student jobs remaining", logger.Critical, true,
			"run", run.ID)
		return nil
	}

	left, err := c.store.DecrementStudentJobsLeft(ctx, run.ID)
	if err != nil {
		return err
	}
	run.StudentJobsLeft = left

	if left > 0 {
		return nil
	}

	err = c.scheduler.ContinueRun(ctx, run)
	if errors.Is(err, scheduler.ErrRunTerminal) {
		return nil
	}
	return err
}

func nullString(v string, valid bool) *string {
	if !valid {
		return nil
	}
	return &v
}
