package command

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/command"

var tracer = otel.Tracer(name)

type Result struct {
	Cmd      []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Set when the context deadline killed the process
	TimedOut bool
}

type Command struct {
	Stdin   io.Reader
	Program string
	Args    []string
	// Extra NAME=value pairs appended to the inherited environment
	Env []string
}

func New(program string, args ...string) *Command {
	return &Command{
		Program: program,
		Args:    args,
	}
}

func (c *Command) WithEnv(env ...string) *Command {
	c.Env = append(c.Env, env...)
	return c
}

//go:generate mockgen -destination ./mock/mock.go -package mock . Executor

type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*Result, error)
}
