package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
)

var _ Executor = (*ShellExecutor)(nil)

// Runs commands as child processes of the grader
type ShellExecutor struct {
	// Lines of output are echoed at debug level when set
	Verbose bool
}

func NewShellExecutor(verbose bool) *ShellExecutor {
	return &ShellExecutor{Verbose: verbose}
}

func (s *ShellExecutor) Execute(ctx context.Context, command *Command) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ShellExecutor.Execute", trace.WithAttributes(
		attribute.String("program", command.Program),
		attribute.Int("args.count", len(command.Args)),
	))
	defer span.End()

	var stdout, stderr bytes.Buffer

	//nolint:gosec // G204: arguments are built from validated stage definitions
	cmd := exec.CommandContext(ctx, command.Program, command.Args...)
	cmd.Stdin = command.Stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	err := cmd.Run()
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to execute command")
			return nil, err
		}
	}

	if s.Verbose {
		logLines(ctx, "stdout", stdout.Bytes())
		logLines(ctx, "stderr", stderr.Bytes())
	}

	exitCode := cmd.ProcessState.ExitCode()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	span.AddEvent("executed", trace.WithAttributes(
		attribute.Int("exitCode", exitCode),
		attribute.Bool("timedOut", timedOut),
	))

	executed := make([]string, 0, len(command.Args)+1)
	executed = append(executed, command.Program)
	executed = append(executed, command.Args...)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "executed command")
	return &Result{
		Cmd:      executed,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		TimedOut: timedOut,
	}, nil
}

func logLines(ctx context.Context, stream string, out []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		logger.Logger.DebugContext(ctx, stream, "line", scanner.Text())
	}
}
