package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

type SchedulerTestSuite struct {
	suite.Suite
	store     *store.Memory
	queue     *multiqueue.Memory
	signal    *eventloop.Signal
	clock     *clockwork.FakeClock
	scheduler *Scheduler
}

func (s *SchedulerTestSuite) SetupTest() {
	s.store = store.NewMemory(store.DefaultMaxRecordBytes)
	s.queue = multiqueue.NewMemory()
	s.signal = eventloop.NewSignal()
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.scheduler = New(s.store, s.queue, s.signal, s.clock)
}

func (s *SchedulerTestSuite) putAssignment(cfg types.AssignmentConfig) {
	s.Require().NoError(s.store.PutAssignmentConfig(context.Background(), models.NewAssignmentConfig("cs241", "mp1", cfg)))
}

func (s *SchedulerTestSuite) createRun(state types.RunState, students ...types.Env) *models.GradingRun {
	run := &models.GradingRun{
		AssignmentID:    models.AssignmentID("cs241", "mp1"),
		State:           state,
		StartedAt:       s.clock.Now(),
		StudentsEnv:     students,
		StudentJobsLeft: len(students),
	}
	s.Require().NoError(s.store.CreateRun(context.Background(), run))
	return run
}

func (s *SchedulerTestSuite) jobs(run *models.GradingRun) []*models.GradingJob {
	jobs, err := s.store.JobsByRun(context.Background(), run.ID)
	s.Require().NoError(err)
	return jobs
}

func (s *SchedulerTestSuite) reload(run *models.GradingRun) *models.GradingRun {
	got, err := s.store.GetRun(context.Background(), run.ID)
	s.Require().NoError(err)
	return got
}

func (s *SchedulerTestSuite) queueLength() int {
	length, err := s.queue.Length(context.Background(), "cs241")
	s.Require().NoError(err)
	return length
}

func (s *SchedulerTestSuite) notified() bool {
	select {
	case <-s.signal.C():
		return true
	default:
		return false
	}
}

var full = types.AssignmentConfig{
	Env:                    types.Env{"global": "g"},
	PreProcessingPipeline:  types.Pipeline{{Image: "pre"}},
	StudentPipeline:        types.Pipeline{{Image: "student"}},
	PostProcessingPipeline: types.Pipeline{{Image: "post"}},
}

func (s *SchedulerTestSuite) TestReadyWithPreProcessing() {
	s.putAssignment(full)
	run := s.createRun(types.RunStateReady, types.Env{"netid": "a"})
	run.PreProcessingEnv = types.Env{"pre": "1"}

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	s.Equal(types.RunStatePreProcessing, s.reload(run).State)
	jobs := s.jobs(run)
	s.Require().Len(jobs, 1)
	s.Equal(types.JobTypePre, jobs[0].Type)
	s.Equal("cs241", jobs[0].CourseID)
	s.Equal(types.Env{
		"global": "g",
		"pre":    "1",
		EnvRunID: run.ID.String(),
		EnvJobID: jobs[0].ID.String(),
	}, jobs[0].Stages[0].Env)
	s.Equal(1, s.queueLength())
	s.True(s.notified())
}

func (s *SchedulerTestSuite) TestReadyWithoutPreProcessing() {
	s.putAssignment(types.AssignmentConfig{StudentPipeline: types.Pipeline{{Image: "student"}}})
	run := s.createRun(types.RunStateReady, types.Env{"netid": "a"}, types.Env{"netid": "b"}, types.Env{"netid": "c"})

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	got := s.reload(run)
	s.Equal(types.RunStateStudents, got.State)
	s.Equal(3, got.StudentJobsLeft)

	jobs := s.jobs(run)
	s.Require().Len(jobs, 3)
	netids := []string{}
	for _, job := range jobs {
		s.Equal(types.JobTypeStudent, job.Type)
		netids = append(netids, job.Stages[0].Env["netid"])
	}
	s.ElementsMatch([]string{"a", "b", "c"}, netids)
	s.Equal(3, s.queueLength())
}

func (s *SchedulerTestSuite) TestPreProcessingToStudents() {
	s.putAssignment(full)
	run := s.createRun(types.RunStatePreProcessing, types.Env{"netid": "a"})

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	s.Equal(types.RunStateStudents, s.reload(run).State)
	s.Len(s.jobs(run), 1)
}

func (s *SchedulerTestSuite) TestStudentsToPostProcessing() {
	s.putAssignment(full)
	run := s.createRun(types.RunStateStudents)
	run.PostProcessingEnv = types.Env{"post": "1"}

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	s.Equal(types.RunStatePostProcessing, s.reload(run).State)
	jobs := s.jobs(run)
	s.Require().Len(jobs, 1)
	s.Equal(types.JobTypePost, jobs[0].Type)
	s.Equal("1", jobs[0].Stages[0].Env["post"])
}

func (s *SchedulerTestSuite) TestStudentsWithoutPostFinishes() {
	s.putAssignment(types.AssignmentConfig{StudentPipeline: types.Pipeline{{Image: "student"}}})
	run := s.createRun(types.RunStateStudents)

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	got := s.reload(run)
	s.Equal(types.RunStateFinished, got.State)
	s.True(got.Success.V)
	s.Equal(s.clock.Now(), got.FinishedAt.V)
	s.Empty(s.jobs(run))
}

func (s *SchedulerTestSuite) TestPostProcessingFinishes() {
	s.putAssignment(full)
	run := s.createRun(types.RunStatePostProcessing)

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	got := s.reload(run)
	s.Equal(types.RunStateFinished, got.State)
	s.True(got.Success.Valid && got.Success.V)
}

func (s *SchedulerTestSuite) TestEmptyRosterAdvances() {
	s.putAssignment(types.AssignmentConfig{StudentPipeline: types.Pipeline{{Image: "student"}}})
	run := s.createRun(types.RunStateReady)

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))
	s.Equal(types.RunStateFinished, s.reload(run).State)
}

func (s *SchedulerTestSuite) TestEmptyRosterRunsPostProcessing() {
	s.putAssignment(types.AssignmentConfig{
		StudentPipeline:        types.Pipeline{{Image: "student"}},
		PostProcessingPipeline: types.Pipeline{{Image: "post"}},
	})
	run := s.createRun(types.RunStateReady)

	s.Require().NoError(s.scheduler.ContinueRun(context.Background(), run))

	s.Equal(types.RunStatePostProcessing, s.reload(run).State)
	jobs := s.jobs(run)
	s.Require().Len(jobs, 1)
	s.Equal(types.JobTypePost, jobs[0].Type)
}

func (s *SchedulerTestSuite) TestTerminalRunUntouched() {
	s.putAssignment(full)
	run := s.createRun(types.RunStateReady)
	s.Require().NoError(s.scheduler.FailRun(context.Background(), run))

	got := s.reload(run)
	s.Equal(types.RunStateFailed, got.State)
	s.False(got.Success.V)

	s.ErrorIs(s.scheduler.ContinueRun(context.Background(), got), ErrRunTerminal)
	s.ErrorIs(s.scheduler.Finalize(context.Background(), got, true), ErrRunTerminal)
	s.Equal(types.RunStateFailed, s.reload(run).State)
	s.Empty(s.jobs(run))
}

func (s *SchedulerTestSuite) TestMissingAssignment() {
	run := s.createRun(types.RunStateReady)
	s.ErrorIs(s.scheduler.ContinueRun(context.Background(), run), store.ErrNotFound)
}

func (s *SchedulerTestSuite) TestRecover() {
	ctx := context.Background()

	s.putAssignment(types.AssignmentConfig{StudentPipeline: types.Pipeline{{Image: "student"}}})
	run := s.createRun(types.RunStateReady, types.Env{}, types.Env{}, types.Env{})
	s.Require().NoError(s.scheduler.ContinueRun(ctx, run))
	jobs := s.jobs(run)
	s.Require().Len(jobs, 3)

	// simulate a restart with a fresh in memory queue and one job already running
	s.queue = multiqueue.NewMemory()
	s.scheduler = New(s.store, s.queue, s.signal, s.clock)
	s.Require().NoError(s.queue.Push(ctx, "cs241", jobs[1].ID))
	s.Require().NoError(s.store.CreateWorker(ctx, &models.WorkerNode{ID: "w", IsAlive: true, TransportMode: types.TransportPull}))
	s.Require().NoError(s.store.AssignJob(ctx, jobs[2].ID, "w", s.clock.Now()))
	for s.notified() {
	}

	recovered, err := s.scheduler.Recover(ctx)
	s.Require().NoError(err)
	s.Equal(1, recovered)
	s.Equal(2, s.queueLength())
	s.True(s.notified())

	pos, err := s.queue.Position(ctx, "cs241", jobs[0].ID)
	s.Require().NoError(err)
	s.Equal(1, pos)

	pos, err = s.queue.Position(ctx, "cs241", jobs[2].ID)
	s.Require().NoError(err)
	s.Equal(-1, pos)
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func TestBuildStagesPrecedence(t *testing.T) {
	runID, jobID := uuid.New(), uuid.New()
	pipeline := types.Pipeline{
		{Image: "a", Env: types.Env{"shared": "stage", "stage": "1", EnvJobID: "spoofed"}},
		{Image: "b"},
	}

	stages := BuildStages(
		pipeline,
		types.Env{"shared": "global", "global": "1"},
		types.Env{"shared": "run", "run": "1"},
		runID, jobID,
	)

	assert.Equal(t, types.Env{
		"shared": "run",
		"global": "1",
		"stage":  "1",
		"run":    "1",
		EnvRunID: runID.String(),
		EnvJobID: jobID.String(),
	}, stages[0].Env)
	assert.NotContains(t, stages[1].Env, "stage")
	assert.Equal(t, "run", stages[1].Env["shared"])

	assert.Equal(t, "stage", pipeline[0].Env["shared"], "input pipeline must not be mutated")
	assert.Nil(t, pipeline[1].Env)
}
