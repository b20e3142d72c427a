package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sloggorm "github.com/imdatngo/slog-gorm/v2"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/migrations"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const testMaxRecordBytes = 64 * 1024

// Behaviour shared by every driver
type StoreTestSuite struct {
	suite.Suite
	open  func() (Store, func())
	store Store
	done  func()
}

func (s *StoreTestSuite) SetupTest() {
	s.store, s.done = s.open()
}

func (s *StoreTestSuite) TearDownTest() {
	s.done()
}

func (s *StoreTestSuite) createRun(students int) *models.GradingRun {
	run := &models.GradingRun{
		AssignmentID:    models.AssignmentID("cs241", "mp1"),
		State:           types.RunStateReady,
		StartedAt:       time.Now(),
		StudentsEnv:     make([]types.Env, students),
		StudentJobsLeft: students,
	}
	s.Require().NoError(s.store.CreateRun(context.Background(), run))
	s.Require().NotEqual(uuid.Nil, run.ID)
	return run
}

func (s *StoreTestSuite) createJob(run *models.GradingRun, queuedAt time.Time) *models.GradingJob {
	job := &models.GradingJob{
		RunID:    run.ID,
		CourseID: run.CourseID(),
		Type:     types.JobTypeStudent,
		Stages:   types.Pipeline{{Image: "alpine", Env: types.Env{"a": "b"}}},
		QueuedAt: queuedAt,
	}
	s.Require().NoError(s.store.CreateJob(context.Background(), job))
	s.Require().NotEqual(uuid.Nil, job.ID)
	return job
}

func (s *StoreTestSuite) createWorker(id string, mode types.TransportMode) *models.WorkerNode {
	worker := &models.WorkerNode{
		ID:            id,
		Hostname:      id + ".local",
		LastSeen:      time.Now(),
		IsAlive:       true,
		TransportMode: mode,
	}
	s.Require().NoError(s.store.CreateWorker(context.Background(), worker))
	return worker
}

func (s *StoreTestSuite) TestReplaceCourses() {
	ctx := context.Background()

	s.Require().NoError(s.store.ReplaceCourses(ctx, []*models.Course{
		{ID: "cs241", Tokens: []string{"h1"}},
		{ID: "cs225", Tokens: []string{"h2"}, QueryTokens: []string{"q"}},
	}))

	course, err := s.store.GetCourse(ctx, "cs225")
	s.Require().NoError(err)
	s.Equal([]string{"h2"}, course.Tokens)
	s.Equal([]string{"q"}, course.QueryTokens)

	s.Require().NoError(s.store.ReplaceCourses(ctx, []*models.Course{{ID: "cs225", Tokens: []string{"h3"}}}))

	_, err = s.store.GetCourse(ctx, "cs241")
	s.ErrorIs(err, ErrNotFound)

	course, err = s.store.GetCourse(ctx, "cs225")
	s.Require().NoError(err)
	s.Equal([]string{"h3"}, course.Tokens)
}

func (s *StoreTestSuite) TestAssignmentConfig() {
	ctx := context.Background()

	cfg := models.NewAssignmentConfig("cs241", "mp1", types.AssignmentConfig{
		Env:             types.Env{"x": "1"},
		StudentPipeline: types.Pipeline{{Image: "s"}},
	})
	s.Require().NoError(s.store.PutAssignmentConfig(ctx, cfg))

	replacement := models.NewAssignmentConfig("cs241", "mp1", types.AssignmentConfig{
		StudentPipeline:       types.Pipeline{{Image: "s2"}},
		PreProcessingPipeline: types.Pipeline{{Image: "p"}},
	})
	s.Require().NoError(s.store.PutAssignmentConfig(ctx, replacement))

	got, err := s.store.GetAssignmentConfig(ctx, "cs241/mp1")
	s.Require().NoError(err)
	s.Equal(replacement.ToConfig(), got.ToConfig())
	s.Nil(got.Env, "replace must not merge with the previous config")

	s.Require().NoError(s.store.DeleteAssignmentConfig(ctx, "cs241/mp1"))
	_, err = s.store.GetAssignmentConfig(ctx, "cs241/mp1")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.DeleteAssignmentConfig(ctx, "cs241/mp1"), ErrNotFound)
}

func (s *StoreTestSuite) TestRunLifecycle() {
	ctx := context.Background()

	run := s.createRun(2)
	run.State = types.RunStateStudents
	run.PreProcessingEnv = types.Env{"pre": "1"}
	s.Require().NoError(s.store.UpdateRun(ctx, run))

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(types.RunStateStudents, got.State)
	s.Equal(types.Env{"pre": "1"}, got.PreProcessingEnv)
	s.Len(got.StudentsEnv, 2)
	s.False(got.FinishedAt.Valid)

	left, err := s.store.DecrementStudentJobsLeft(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(1, left)

	left, err = s.store.DecrementStudentJobsLeft(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(0, left)

	left, err = s.store.DecrementStudentJobsLeft(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(0, left, "must never go below zero")

	_, err = s.store.DecrementStudentJobsLeft(ctx, uuid.New())
	s.ErrorIs(err, ErrNotFound)

	_, err = s.store.GetRun(ctx, uuid.New())
	s.ErrorIs(err, ErrNotFound)

	s.ErrorIs(s.store.UpdateRun(ctx, &models.GradingRun{Model: models.Model{ID: uuid.New()}}), ErrNotFound)
}

func (s *StoreTestSuite) TestConcurrentDecrementStudentJobsLeft() {
	const (
		students = 20
		callers  = 30
	)

	run := s.createRun(students)

	var (
		mu   sync.Mutex
		seen = map[int]int{}
	)

	g, ctx := errgroup.WithContext(context.Background())
	for range callers {
		g.Go(func() error {
			left, err := s.store.DecrementStudentJobsLeft(ctx, run.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			seen[left]++
			mu.Unlock()
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	// every decrement observes a distinct count; the surplus callers see zero
	for left := 1; left < students; left++ {
		s.Equal(1, seen[left], "left=%d", left)
	}
	s.Equal(callers-students+1, seen[0])
	for left := range seen {
		s.GreaterOrEqual(left, 0)
		s.Less(left, students)
	}

	got, err := s.store.GetRun(context.Background(), run.ID)
	s.Require().NoError(err)
	s.Zero(got.StudentJobsLeft)
}

func (s *StoreTestSuite) TestJobsByRunOrdered() {
	ctx := context.Background()

	run := s.createRun(3)
	other := s.createRun(1)
	base := time.Now()

	third := s.createJob(run, base.Add(2*time.Second))
	first := s.createJob(run, base)
	second := s.createJob(run, base.Add(time.Second))
	s.createJob(other, base)

	jobs, err := s.store.JobsByRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Len(jobs, 3)
	s.Equal([]uuid.UUID{first.ID, second.ID, third.ID}, []uuid.UUID{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	s.Equal(types.Pipeline{{Image: "alpine", Env: types.Env{"a": "b"}}}, jobs[0].Stages)
}

func (s *StoreTestSuite) TestAssignAndFinish() {
	ctx := context.Background()

	run := s.createRun(1)
	job := s.createJob(run, time.Now())
	s.createWorker("w1", types.TransportPull)
	s.createWorker("w2", types.TransportPull)

	startedAt := time.Now()
	s.Require().NoError(s.store.AssignJob(ctx, job.ID, "w1", startedAt))

	got, err := s.store.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStateStarted, got.State())
	s.Equal("w1", got.WorkerID.V)
	s.WithinDuration(startedAt, got.StartedAt.V, time.Millisecond)

	worker, err := s.store.GetWorker(ctx, "w1")
	s.Require().NoError(err)
	s.Equal(job.ID.String(), worker.RunningJobID.V)
	s.Equal(1, worker.JobsProcessed)

	s.ErrorIs(s.store.AssignJob(ctx, job.ID, "w2", time.Now()), ErrConflict, "job already started")

	other := s.createJob(run, time.Now())
	s.ErrorIs(s.store.AssignJob(ctx, other.ID, "w1", time.Now()), ErrConflict, "worker busy")
	s.ErrorIs(s.store.AssignJob(ctx, uuid.New(), "w2", time.Now()), ErrNotFound)
	s.ErrorIs(s.store.AssignJob(ctx, other.ID, "missing", time.Now()), ErrNotFound)

	unfinished, err := s.store.UnfinishedJobs(ctx)
	s.Require().NoError(err)
	s.Len(unfinished, 2)

	s.Require().NoError(s.store.FinishJob(ctx, job.ID, JobOutcome{
		FinishedAt: time.Now(),
		Success:    true,
		Results:    []types.StageResult{{"exit_code": float64(0)}},
		Log:        &types.GradingJobLog{Stdout: "out", Stderr: "err"},
	}))

	got, err = s.store.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStateSucceeded, got.State())
	s.Equal([]types.StageResult{{"exit_code": float64(0)}}, got.Results)

	worker, err = s.store.GetWorker(ctx, "w1")
	s.Require().NoError(err)
	s.False(worker.Busy())
	s.Equal(1, worker.JobsProcessed)

	log, err := s.store.GetJobLog(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal("out", log.Stdout)
	s.Equal("err", log.Stderr)

	s.ErrorIs(s.store.FinishJob(ctx, job.ID, JobOutcome{FinishedAt: time.Now()}), ErrConflict)

	_, err = s.store.GetJobLog(ctx, other.ID)
	s.ErrorIs(err, ErrNotFound)

	unfinished, err = s.store.UnfinishedJobs(ctx)
	s.Require().NoError(err)
	s.Require().Len(unfinished, 1)
	s.Equal(other.ID, unfinished[0].ID)
}

func (s *StoreTestSuite) TestUnassignJob() {
	ctx := context.Background()

	run := s.createRun(1)
	job := s.createJob(run, time.Now())
	s.createWorker("w1", types.TransportPush)

	s.Require().NoError(s.store.AssignJob(ctx, job.ID, "w1", time.Now()))
	s.ErrorIs(s.store.UnassignJob(ctx, job.ID, "w2"), ErrConflict)
	s.Require().NoError(s.store.UnassignJob(ctx, job.ID, "w1"))

	got, err := s.store.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStateQueued, got.State())
	s.False(got.WorkerID.Valid)

	worker, err := s.store.GetWorker(ctx, "w1")
	s.Require().NoError(err)
	s.False(worker.Busy())
	s.Equal(0, worker.JobsProcessed)
}

func (s *StoreTestSuite) TestFinishUnassignedJob() {
	ctx := context.Background()

	run := s.createRun(1)
	job := s.createJob(run, time.Now())

	s.Require().NoError(s.store.FinishJob(ctx, job.ID, JobOutcome{FinishedAt: time.Now(), Success: false}))

	got, err := s.store.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStateFailed, got.State())

	_, err = s.store.GetJobLog(ctx, job.ID)
	s.ErrorIs(err, ErrNotFound)

	s.ErrorIs(s.store.FinishJob(ctx, uuid.New(), JobOutcome{FinishedAt: time.Now()}), ErrNotFound)
}

func (s *StoreTestSuite) TestWorkers() {
	ctx := context.Background()

	s.createWorker("pull", types.TransportPull)
	s.createWorker("push", types.TransportPush)
	s.createWorker("dead", types.TransportPush)

	s.ErrorIs(s.store.CreateWorker(ctx, &models.WorkerNode{ID: "pull", TransportMode: types.TransportPull}), ErrConflict)

	dead, err := s.store.GetWorker(ctx, "dead")
	s.Require().NoError(err)
	dead.IsAlive = false
	s.Require().NoError(s.store.UpdateWorker(ctx, dead))

	alive, err := s.store.WorkersByLiveness(ctx, true)
	s.Require().NoError(err)
	s.Len(alive, 2)

	changed, err := s.store.ResetPushWorkers(ctx)
	s.Require().NoError(err)
	s.Equal(1, changed)

	alive, err = s.store.WorkersByLiveness(ctx, true)
	s.Require().NoError(err)
	s.Require().Len(alive, 1)
	s.Equal("pull", alive[0].ID)

	all, err := s.store.ListWorkers(ctx)
	s.Require().NoError(err)
	s.Len(all, 3)

	s.Require().NoError(s.store.DeleteWorker(ctx, "dead"))
	s.ErrorIs(s.store.DeleteWorker(ctx, "dead"), ErrNotFound)
	_, err = s.store.GetWorker(ctx, "dead")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.UpdateWorker(ctx, dead), ErrNotFound)
}

func (s *StoreTestSuite) TestRecordTooLarge() {
	ctx := context.Background()

	big := types.Env{"blob": strings.Repeat("x", testMaxRecordBytes)}

	err := s.store.PutAssignmentConfig(ctx, models.NewAssignmentConfig("cs241", "big", types.AssignmentConfig{
		Env:             big,
		StudentPipeline: types.Pipeline{{Image: "s"}},
	}))
	s.ErrorIs(err, ErrRecordTooLarge)

	_, err = s.store.GetAssignmentConfig(ctx, "cs241/big")
	s.ErrorIs(err, ErrNotFound, "oversized record must not be written")

	run := s.createRun(1)
	job := s.createJob(run, time.Now())
	err = s.store.FinishJob(ctx, job.ID, JobOutcome{
		FinishedAt: time.Now(),
		Log:        &types.GradingJobLog{Stdout: big["blob"]},
	})
	s.ErrorIs(err, ErrRecordTooLarge)

	got, err := s.store.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(types.JobStateQueued, got.State())
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{
		open: func() (Store, func()) {
			return NewMemory(testMaxRecordBytes), func() {}
		},
	})
}

type PostgresStoreTestSuite struct {
	StoreTestSuite
	postgresContainer *postgres.PostgresContainer
}

func (s *PostgresStoreTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16.4-alpine",
		postgres.WithDatabase("broadway"),
		postgres.WithUsername("broadway"),
		postgres.WithPassword("broadway"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	s.Require().NoError(err, "failed to start postgres container")
	s.postgresContainer = postgresContainer

	dsn, err := postgresContainer.ConnectionString(ctx)
	s.Require().NoError(err, "failed to get connection string to container")

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{Logger: sloggorm.New(), TranslateError: true})
	s.Require().NoError(err, "failed to connect to the database")

	s.Require().NoError(migrations.Up(ctx, db), "failed to migrate db")

	s.open = func() (Store, func()) {
		tx := db.Begin()
		return NewPostgres(tx, testMaxRecordBytes), func() { tx.Rollback() }
	}
}

func (s *PostgresStoreTestSuite) TearDownSuite() {
	s.NoError(testcontainers.TerminateContainer(s.postgresContainer), "failed to terminate container")
}

func TestPostgresStore(t *testing.T) {
	suite.Run(t, new(PostgresStoreTestSuite))
}
