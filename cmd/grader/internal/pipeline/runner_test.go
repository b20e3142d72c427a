package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/command"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/command/mock"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/pipeline"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

func ptr[T any](v T) *T {
	return &v
}

func TestDockerArgs(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		args, env := pipeline.DockerArgs(types.Stage{Image: "alpine:3.5"}, "", nil)
		assert.Equal(t, []string{"run", "--rm", "--network", "none", "alpine:3.5"}, args)
		assert.Empty(t, env)
	})

	t.Run("AllOptions", func(t *testing.T) {
		stage := types.Stage{
			Image:      "grader:latest",
			Env:        types.Env{"NETID": "student1", "COURSE": "cs241"},
			Entrypoint: []string{"sh", "-c", "make test"},
			Networking: ptr(true),
			Privileged: ptr(true),
			Hostname:   "grader",
			Memory:     "512m",
		}

		args, env := pipeline.DockerArgs(stage, "broadway-job-1-0", []string{"BROADWAY_OTEL_TRACEPARENT=00-abc", "NETID=ignored"})
		assert.Equal(t, []string{
			"run", "--rm",
			"--name", "broadway-job-1-0",
			"--privileged",
			"--hostname", "grader",
			"--memory", "512m",
			"-e", "COURSE",
			"-e", "NETID",
			"-e", "BROADWAY_OTEL_TRACEPARENT",
			"--entrypoint", "sh", "grader:latest", "-c", "make test",
		}, args)
		assert.Equal(t, []string{"COURSE=cs241", "NETID=student1", "BROADWAY_OTEL_TRACEPARENT=00-abc"}, env)
	})

	t.Run("NetworkingDisabled", func(t *testing.T) {
		args, _ := pipeline.DockerArgs(types.Stage{Image: "a", Networking: ptr(false), Privileged: ptr(false)}, "", nil)
		assert.Equal(t, []string{"run", "--rm", "--network", "none", "a"}, args)
	})
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "broadway-0190c3a1-7f00-7000-8000-000000000000-2", pipeline.ContainerName("0190c3a1-7f00-7000-8000-000000000000", 2))
	assert.Equal(t, "broadway-a-b-c-0", pipeline.ContainerName("a/b c", 0))
}

// Matches the `docker kill` of a container
type killOf string

func (k killOf) Matches(x any) bool {
	cmd, ok := x.(*command.Command)
	return ok && len(cmd.Args) == 2 && cmd.Args[0] == "kill" && cmd.Args[1] == string(k)
}

func (k killOf) String() string {
	return "docker kill " + string(k)
}

// Stages without an entrypoint end with the image
func imageOf(cmd *command.Command) string {
	return cmd.Args[len(cmd.Args)-1]
}

func TestRunner(t *testing.T) {
	job := &types.GradingJob{
		GradingJobID: "job-1",
		Stages: types.Pipeline{
			{Image: "a"},
			{Image: "b"},
			{Image: "c"},
		},
	}

	t.Run("AllStagesSucceed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, cmd *command.Command) (*command.Result, error) {
				assert.Equal(t, "docker", cmd.Program)
				return &command.Result{Stdout: []byte("out " + imageOf(cmd)), Stderr: []byte("err")}, nil
			}).
			Times(3)

		result := pipeline.NewRunner(executor, "").Run(context.Background(), job)
		require.NotNil(t, result.Success)
		assert.True(t, *result.Success)
		assert.Equal(t, "job-1", result.GradingJobID)
		assert.Len(t, result.Results, 3)
		assert.Equal(t, "out a\nout b\nout c", result.Logs.Stdout)
		assert.Equal(t, "err\nerr\nerr", result.Logs.Stderr)
		assert.Equal(t, types.StageResult{
			"stage":     1,
			"image":     "b",
			"exit_code": 0,
			"success":   true,
			"timed_out": false,
		}, result.Results[1])
	})

	t.Run("StopsAtFirstFailure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		gomock.InOrder(
			executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
				Return(&command.Result{Stdout: []byte("ok")}, nil),
			executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
				Return(&command.Result{Stdout: []byte("tests failed"), ExitCode: 1}, nil),
		)

		result := pipeline.NewRunner(executor, "podman").Run(context.Background(), job)
		assert.False(t, *result.Success)
		require.Len(t, result.Results, 2)
		assert.Equal(t, 1, result.Results[1]["exit_code"])
		assert.Equal(t, false, result.Results[1]["success"])
		assert.Equal(t, "ok\ntests failed", result.Logs.Stdout)
	})

	t.Run("TimeoutFailsStage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		gomock.InOrder(
			executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
				DoAndReturn(func(ctx context.Context, cmd *command.Command) (*command.Result, error) {
					_, ok := ctx.Deadline()
					assert.True(t, ok, "stage timeout sets a deadline")
					assert.Contains(t, cmd.Args, "broadway-job-2-0")
					return &command.Result{ExitCode: -1, TimedOut: true}, nil
				}),
			executor.EXPECT().Execute(gomock.Any(), killOf("broadway-job-2-0")).
				DoAndReturn(func(ctx context.Context, _ *command.Command) (*command.Result, error) {
					assert.NoError(t, ctx.Err())
					return &command.Result{}, nil
				}),
		)

		timed := &types.GradingJob{GradingJobID: "job-2", Stages: types.Pipeline{{Image: "a", Timeout: ptr(0.5)}}}
		result := pipeline.NewRunner(executor, "").Run(context.Background(), timed)
		assert.False(t, *result.Success)
		assert.Equal(t, true, result.Results[0]["timed_out"])
		assert.Contains(t, result.Logs.Stderr, "timed out")
	})

	t.Run("ExecutorErrorIsReportedAsCrash", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		executor.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, errors.New("docker: not found"))

		result := pipeline.NewRunner(executor, "").Run(context.Background(), job)
		assert.False(t, *result.Success)
		assert.Len(t, result.Results, 1)
		assert.Equal(t, "the container crashed", result.Logs.Stdout)
		assert.Equal(t, "docker: not found", result.Logs.Stderr)
	})

	t.Run("CancelKillsContainer", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		ctx, cancel := context.WithCancel(context.Background())

		gomock.InOrder(
			executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
				DoAndReturn(func(context.Context, *command.Command) (*command.Result, error) {
					cancel()
					return nil, context.Canceled
				}),
			executor.EXPECT().Execute(gomock.Any(), killOf("broadway-job-1-0")).
				Return(&command.Result{ExitCode: 1, Stderr: []byte("No such container")}, nil),
		)

		result := pipeline.NewRunner(executor, "").Run(ctx, job)
		assert.False(t, *result.Success)
		assert.Len(t, result.Results, 1)
	})

	t.Run("EmptyPipelineSucceeds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		result := pipeline.NewRunner(executor, "").Run(context.Background(), &types.GradingJob{GradingJobID: "job-4"})
		assert.True(t, *result.Success)
		assert.Empty(t, result.Results)
		assert.Empty(t, result.Logs.Stdout)
	})

	t.Run("LogsDisabled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		executor := mock.NewMockExecutor(ctrl)

		executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
			Return(&command.Result{Stdout: []byte("secret")}, nil)
		executor.EXPECT().Execute(gomock.Any(), gomock.Any()).
			Return(&command.Result{Stdout: []byte("visible")}, nil)

		quiet := &types.GradingJob{
			GradingJobID: "job-3",
			Stages:       types.Pipeline{{Image: "a", Logs: ptr(false)}, {Image: "b"}},
		}
		result := pipeline.NewRunner(executor, "").Run(context.Background(), quiet)
		assert.True(t, *result.Success)
		assert.Equal(t, "visible", result.Logs.Stdout)
	})
}
