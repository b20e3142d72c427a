package callbacks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/scheduler"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

type CallbacksTestSuite struct {
	suite.Suite
	store     *store.Memory
	queue     *multiqueue.Memory
	clock     *clockwork.FakeClock
	scheduler *scheduler.Scheduler
	callbacks *RunCallbacks
}

func (s *CallbacksTestSuite) SetupTest() {
	s.store = store.NewMemory(store.DefaultMaxRecordBytes)
	s.queue = multiqueue.NewMemory()
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.scheduler = scheduler.New(s.store, s.queue, eventloop.NewSignal(), s.clock)
	s.callbacks = New(s.store, s.scheduler)

	s.Require().NoError(s.store.PutAssignmentConfig(context.Background(), models.NewAssignmentConfig("cs241", "mp1",
		types.AssignmentConfig{
			PreProcessingPipeline:  types.Pipeline{{Image: "pre"}},
			StudentPipeline:        types.Pipeline{{Image: "student"}},
			PostProcessingPipeline: types.Pipeline{{Image: "post"}},
		})))
}

// starts a run with the given roster and returns it with its pre processing job
func (s *CallbacksTestSuite) startRun(students ...types.Env) (*models.GradingRun, *models.GradingJob) {
	ctx := context.Background()
	run := &models.GradingRun{
		AssignmentID:    models.AssignmentID("cs241", "mp1"),
		State:           types.RunStateReady,
		StartedAt:       s.clock.Now(),
		StudentsEnv:     students,
		StudentJobsLeft: len(students),
	}
	s.Require().NoError(s.store.CreateRun(ctx, run))
	s.Require().NoError(s.scheduler.ContinueRun(ctx, run))

	jobs := s.jobsOf(run, types.JobTypePre)
	s.Require().Len(jobs, 1)
	return run, jobs[0]
}

func (s *CallbacksTestSuite) jobsOf(run *models.GradingRun, jobType types.JobType) []*models.GradingJob {
	jobs, err := s.store.JobsByRun(context.Background(), run.ID)
	s.Require().NoError(err)

	var filtered []*models.GradingJob
	for _, job := range jobs {
		if job.Type == jobType {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

func (s *CallbacksTestSuite) finish(job *models.GradingJob, success bool) {
	ctx := context.Background()
	s.Require().NoError(s.store.FinishJob(ctx, job.ID, store.JobOutcome{
		FinishedAt: s.clock.Now(),
		Results:    []types.StageResult{{"ok": success}},
		Success:    success,
	}))
	s.callbacks.OnJobComplete(ctx, job.ID, job.RunID)
}

func (s *CallbacksTestSuite) reload(run *models.GradingRun) *models.GradingRun {
	got, err := s.store.GetRun(context.Background(), run.ID)
	s.Require().NoError(err)
	return got
}

func (s *CallbacksTestSuite) TestFullRunSucceeds() {
	run, pre := s.startRun(types.Env{"netid": "a"}, types.Env{"netid": "b"})

	s.finish(pre, true)
	s.Equal(types.RunStateStudents, s.reload(run).State)

	students := s.jobsOf(run, types.JobTypeStudent)
	s.Require().Len(students, 2)

	s.finish(students[0], true)
	got := s.reload(run)
	s.Equal(types.RunStateStudents, got.State)
	s.Equal(1, got.StudentJobsLeft)

	// a failed student job still counts towards completion
	s.finish(students[1], false)
	got = s.reload(run)
	s.Equal(types.RunStatePostProcessing, got.State)
	s.Equal(0, got.StudentJobsLeft)

	post := s.jobsOf(run, types.JobTypePost)
	s.Require().Len(post, 1)

	s.finish(post[0], true)
	got = s.reload(run)
	s.Equal(types.RunStateFinished, got.State)
	s.True(got.Success.V)
	s.True(got.FinishedAt.Valid)
}

func (s *CallbacksTestSuite) TestPreProcessingFailureFailsRun() {
	run, pre := s.startRun(types.Env{"netid": "a"})

	s.finish(pre, false)

	got := s.reload(run)
	s.Equal(types.RunStateFailed, got.State)
	s.False(got.Success.V)
	s.Empty(s.jobsOf(run, types.JobTypeStudent))
}

func (s *CallbacksTestSuite) TestPostProcessingFailureFailsRun() {
	run, pre := s.startRun(types.Env{"netid": "a"})
	s.finish(pre, true)
	s.finish(s.jobsOf(run, types.JobTypeStudent)[0], true)

	post := s.jobsOf(run, types.JobTypePost)
	s.Require().Len(post, 1)
	s.finish(post[0], false)

	got := s.reload(run)
	s.Equal(types.RunStateFailed, got.State)
	s.False(got.Success.V)
}

func (s *CallbacksTestSuite) TestFinishedRunIgnored() {
	run, pre := s.startRun(types.Env{"netid": "a"})
	s.finish(pre, false)

	before := s.reload(run)
	s.callbacks.OnJobComplete(context.Background(), pre.ID, run.ID)

	after := s.reload(run)
	s.Equal(before.State, after.State)
	s.Equal(before.FinishedAt, after.FinishedAt)
}

func (s *CallbacksTestSuite) TestMissingRecordsIgnored() {
	run, pre := s.startRun(types.Env{"netid": "a"})

	s.callbacks.OnJobComplete(context.Background(), uuid.New(), run.ID)
	s.callbacks.OnJobComplete(context.Background(), pre.ID, uuid.New())

	s.Equal(types.RunStatePreProcessing, s.reload(run).State)
}

func (s *CallbacksTestSuite) TestStudentJobWithNoneLeftIgnored() {
	run, pre := s.startRun(types.Env{"netid": "a"})
	s.finish(pre, true)

	student := s.jobsOf(run, types.JobTypeStudent)[0]
	got := s.reload(run)
	got.StudentJobsLeft = 0
	s.Require().NoError(s.store.UpdateRun(context.Background(), got))

	s.finish(student, true)

	got = s.reload(run)
	s.Equal(types.RunStateStudents, got.State)
	s.Equal(0, got.StudentJobsLeft)
	s.Empty(s.jobsOf(run, types.JobTypePost))
}

func (s *CallbacksTestSuite) TestPostJobWithStudentsLeftIgnored() {
	run, pre := s.startRun(types.Env{"netid": "a"})
	s.finish(pre, true)
	s.finish(s.jobsOf(run, types.JobTypeStudent)[0], true)

	got := s.reload(run)
	got.StudentJobsLeft = 1
	s.Require().NoError(s.store.UpdateRun(context.Background(), got))

	s.finish(s.jobsOf(run, types.JobTypePost)[0], true)
	s.Equal(types.RunStatePostProcessing, s.reload(run).State)
}

func TestCallbacks(t *testing.T) {
	suite.Run(t, new(CallbacksTestSuite))
}
