package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/audit"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/scheduler"

var tracer = otel.Tracer(name)

const (
	EnvRunID = "GRADING_RUN_ID"
	EnvJobID = "GRADING_JOB_ID"
)

var ErrRunTerminal = errors.New("grading run already finished")

// Advances grading runs through their stages and enqueues the jobs of each stage.
// Must only be called from event loop tasks.
type Scheduler struct {
	store    store.Store
	queue    multiqueue.MultiQueue
	schedule *eventloop.Signal
	clock    clockwork.Clock
}

func New(st store.Store, mq multiqueue.MultiQueue, schedule *eventloop.Signal, clock clockwork.Clock) *Scheduler {
	return &Scheduler{store: st, queue: mq, schedule: schedule, clock: clock}
}

// Applies env layers to every stage of pipeline, later layers winning.
// The run and job ids are always injected last.
func BuildStages(pipeline types.Pipeline, global, runEnv types.Env, runID, jobID uuid.UUID) types.Pipeline {
	stages := make(types.Pipeline, len(pipeline))
	for i, stage := range pipeline {
		stage.Env = types.MergeEnv(global, stage.Env, runEnv, types.Env{
			EnvRunID: runID.String(),
			EnvJobID: jobID.String(),
		})
		stages[i] = stage
	}
	return stages
}

// persists then enqueues one job of the given stage
func (s *Scheduler) enqueue(
	ctx context.Context,
	run *models.GradingRun,
	assignment *models.AssignmentConfig,
	jobType types.JobType,
	pipeline types.Pipeline,
	runEnv types.Env,
) error {
	jobID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &models.GradingJob{
		Model:    models.Model{ID: jobID},
		RunID:    run.ID,
		CourseID: run.CourseID(),
		Type:     jobType,
		Stages:   BuildStages(pipeline, assignment.Env, runEnv, run.ID, jobID),
		QueuedAt: s.clock.Now(),
	}
	if err = s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err = s.queue.Push(ctx, job.CourseID, job.ID); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.schedule.Notify()
	return nil
}

func (s *Scheduler) setState(ctx context.Context, run *models.GradingRun, state types.RunState) error {
	run.State = state
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// Moves run into its next state, creating and enqueuing the jobs of that state
func (s *Scheduler) ContinueRun(ctx context.Context, run *models.GradingRun) error {
	ctx, span := tracer.Start(ctx, "ContinueRun")
	defer span.End()

	span.SetAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.state", string(run.State)),
	)

	err := s.continueRun(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to continue run")
		return err
	}

	span.SetAttributes(attribute.String("run.nextState", string(run.State)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "continued run")
	return nil
}

func (s *Scheduler) continueRun(ctx context.Context, run *models.GradingRun) error {
	if run.State.Terminal() {
		return ErrRunTerminal
	}

	assignment, err := s.store.GetAssignmentConfig(ctx, run.AssignmentID)
	if err != nil {
		return fmt.Errorf("failed to get assignment config %s: %w", run.AssignmentID, err)
	}

	switch run.State {
	case types.RunStateReady:
		if len(assignment.PreProcessingPipeline) > 0 {
			if err = s.setState(ctx, run, types.RunStatePreProcessing); err != nil {
				return err
			}
			return s.enqueue(ctx, run, assignment, types.JobTypePre, assignment.PreProcessingPipeline, run.PreProcessingEnv)
		}
		return s.startStudents(ctx, run, assignment)
	case types.RunStatePreProcessing:
		return s.startStudents(ctx, run, assignment)
	case types.RunStateStudents:
		if len(assignment.PostProcessingPipeline) > 0 {
			if err = s.setState(ctx, run, types.RunStatePostProcessing); err != nil {
				return err
			}
			return s.enqueue(ctx, run, assignment, types.JobTypePost, assignment.PostProcessingPipeline, run.PostProcessingEnv)
		}
		return s.Finalize(ctx, run, true)
	case types.RunStatePostProcessing:
		return s.Finalize(ctx, run, true)
	default:
		logger.Logger.ErrorContext(ctx, "invalid grading run state", logger.Critical, true,
			"run", run.ID, "state", run.State)
		return fmt.Errorf("invalid grading run state %q", run.State)
	}
}

func (s *Scheduler) startStudents(ctx context.Context, run *models.GradingRun, assignment *models.AssignmentConfig) error {
	run.StudentJobsLeft = len(run.StudentsEnv)
	if err := s.setState(ctx, run, types.RunStateStudents); err != nil {
		return err
	}

	for _, env := range run.StudentsEnv {
		err := s.enqueue(ctx, run, assignment, types.JobTypeStudent, assignment.StudentPipeline, env)
		if err != nil {
			return err
		}
	}

	// an empty roster would otherwise never see a student job complete
	if len(run.StudentsEnv) == 0 {
		return s.continueRun(ctx, run)
	}
	return nil
}

// Marks run finished with the given outcome. Terminal runs are left untouched.
func (s *Scheduler) Finalize(ctx context.Context, run *models.GradingRun, success bool) error {
	ctx, span := tracer.Start(ctx, "Finalize")
	defer span.End()

	span.SetAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.Bool("success", success),
	)

	if run.State.Terminal() {
		span.SetStatus(codes.Error, "run already terminal")
		return ErrRunTerminal
	}

	run.State = types.RunStateFinished
	if !success {
		run.State = types.RunStateFailed
	}
	run.FinishedAt = models.NewNullFromData(s.clock.Now())
	run.Success = models.NewNullFromData(success)

	if err := s.store.UpdateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize run")
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	courseID, runID := run.CourseID(), run.ID.String()
	audit.LogRunFinished(audit.Context{CourseID: &courseID, RunID: &runID}, run.State, success)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "finalized run")
	return nil
}

func (s *Scheduler) FailRun(ctx context.Context, run *models.GradingRun) error {
	return s.Finalize(ctx, run, false)
}

// Re-enqueues unfinished, unassigned jobs that are missing from the queue.
// Jobs already queued, as with a redis queue surviving a restart, are left in place.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Recover")
	defer span.End()

	jobs, err := s.store.UnfinishedJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list unfinished jobs")
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if job.StartedAt.Valid {
			continue
		}

		pos, err := s.queue.Position(ctx, job.CourseID, job.ID)
		if err != nil && !errors.Is(err, multiqueue.ErrNoQueue) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to check queue position")
			return recovered, fmt.Errorf("failed to check queue position: %w", err)
		}
		if err == nil && pos >= 0 {
			continue
		}

		if err = s.queue.Push(ctx, job.CourseID, job.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to re-enqueue job")
			return recovered, fmt.Errorf("failed to re-enqueue job: %w", err)
		}
		recovered++
	}

	if recovered > 0 {
		s.schedule.Notify()
		logger.Logger.InfoContext(ctx, "re-enqueued unfinished jobs", "count", recovered)
	}

	span.SetAttributes(attribute.Int("recovered", recovered))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recovered jobs")
	return recovered, nil
}
