package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/command"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	broadwayotel "github.com/illinois-cs241/broadway/broadway-api/internal/otel"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/pipeline"

var tracer = otel.Tracer(name)

const (
	crashedMessage = "the container crashed"
	killTimeout    = 10 * time.Second
)

// Executes the stages of a grading job as containers through the docker CLI
type Runner struct {
	executor command.Executor
	docker   string
}

func NewRunner(executor command.Executor, docker string) *Runner {
	if docker == "" {
		docker = "docker"
	}
	return &Runner{executor: executor, docker: docker}
}

// Runs every stage of job in order and stops after the first failing one. A
// job without stages succeeds.
//
// Execution problems never surface as errors: they are reported as a failed
// stage so the orchestrator always receives a result for the job.
func (r *Runner) Run(ctx context.Context, job *types.GradingJob) *types.JobResult {
	ctx, span := tracer.Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("job.id", job.GradingJobID),
		attribute.Int("job.stages", len(job.Stages)),
	))
	defer span.End()

	results := make([]types.StageResult, 0, len(job.Stages))
	var stdout, stderr []string
	success := true

	for i, stage := range job.Stages {
		outcome := r.runStage(ctx, job.GradingJobID, i, stage)

		results = append(results, types.StageResult{
			"stage":     i,
			"image":     stage.Image,
			"exit_code": outcome.exitCode,
			"success":   outcome.success,
			"timed_out": outcome.timedOut,
		})
		if stage.Logs == nil || *stage.Logs {
			stdout = append(stdout, outcome.stdout)
			stderr = append(stderr, outcome.stderr)
		}

		success = outcome.success
		if !success {
			logger.Logger.InfoContext(ctx, "stage failed, skipping the rest of the job",
				"job", job.GradingJobID,
				"stage", i,
				"exitCode", outcome.exitCode,
				"timedOut", outcome.timedOut,
			)
			break
		}
	}

	if success {
		span.SetStatus(codes.Ok, "all stages succeeded")
	} else {
		span.SetStatus(codes.Error, "a stage failed")
	}

	return &types.JobResult{
		Success:      &success,
		GradingJobID: job.GradingJobID,
		Results:      results,
		Logs: types.GradingJobLog{
			Stdout: strings.Join(stdout, "\n"),
			Stderr: strings.Join(stderr, "\n"),
		},
	}
}

type stageOutcome struct {
	stdout   string
	stderr   string
	exitCode int
	success  bool
	timedOut bool
}

// Docker container name of a stage; anything docker rejects in a name becomes '-'
func ContainerName(jobID string, index int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, jobID)
	return fmt.Sprintf("broadway-%s-%d", clean, index)
}

func (r *Runner) runStage(ctx context.Context, jobID string, index int, stage types.Stage) stageOutcome {
	container := ContainerName(jobID, index)
	ctx, span := tracer.Start(ctx, "Runner.runStage", trace.WithAttributes(
		attribute.Int("stage", index),
		attribute.String("image", stage.Image),
		attribute.String("container", container),
	))
	defer span.End()

	if stage.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*stage.Timeout*float64(time.Second)))
		defer cancel()
	}

	carrier := broadwayotel.CreateEnvCarrier()
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	args, env := DockerArgs(stage, container, carrier.AsEnv())
	result, err := r.executor.Execute(ctx, command.New(r.docker, args...).WithEnv(env...))

	// ending the CLI leaves the container running
	if ctx.Err() != nil || (result != nil && result.TimedOut) {
		r.kill(ctx, container)
	}

	if err != nil {
		logger.Logger.ErrorContext(ctx, "failed to run stage", "stage", index, "image", stage.Image, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to run stage")
		return stageOutcome{stdout: crashedMessage, stderr: err.Error(), exitCode: -1}
	}

	outcome := stageOutcome{
		stdout:   string(result.Stdout),
		stderr:   string(result.Stderr),
		exitCode: result.ExitCode,
		timedOut: result.TimedOut,
		success:  result.ExitCode == 0 && !result.TimedOut,
	}
	if outcome.timedOut && stage.Timeout != nil {
		outcome.stderr += fmt.Sprintf("\nstage timed out after %gs", *stage.Timeout)
	}

	span.SetAttributes(attribute.Int("exitCode", result.ExitCode))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "ran stage")
	return outcome
}

// Stops a container whose `docker run` was cancelled. --rm removes it once killed.
func (r *Runner) kill(ctx context.Context, container string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	result, err := r.executor.Execute(ctx, command.New(r.docker, "kill", container))
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to kill container", "container", container, "error", err)
		return
	}
	if result.ExitCode != 0 {
		// already exited
		logger.Logger.DebugContext(ctx, "container was not running", "container", container, "stderr", string(result.Stderr))
		return
	}
	logger.Logger.InfoContext(ctx, "killed container", "container", container)
}

// Arguments for `docker run` of stage, and the environment the CLI needs so
// every `-e NAME` resolves. Values stay out of the argument list.
//
// container names the container when set. extra holds NAME=value pairs, such
// as trace context, passed alongside the stage's own env.
func DockerArgs(stage types.Stage, container string, extra []string) ([]string, []string) {
	args := []string{"run", "--rm"}

	if container != "" {
		args = append(args, "--name", container)
	}

	if stage.Networking == nil || !*stage.Networking {
		args = append(args, "--network", "none")
	}
	if stage.Privileged != nil && *stage.Privileged {
		args = append(args, "--privileged")
	}
	if stage.Hostname != "" {
		args = append(args, "--hostname", stage.Hostname)
	}
	if stage.Memory != "" {
		args = append(args, "--memory", stage.Memory)
	}

	env := make([]string, 0, len(stage.Env)+len(extra))
	for _, key := range slices.Sorted(maps.Keys(stage.Env)) {
		args = append(args, "-e", key)
		env = append(env, key+"="+stage.Env[key])
	}
	for _, kv := range extra {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := stage.Env[key]; ok {
			continue
		}
		args = append(args, "-e", key)
		env = append(env, kv)
	}

	if len(stage.Entrypoint) > 0 {
		args = append(args, "--entrypoint", stage.Entrypoint[0], stage.Image)
		args = append(args, stage.Entrypoint[1:]...)
	} else {
		args = append(args, stage.Image)
	}

	return args, env
}
