package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"

var tracer = otel.Tracer(name)

var ErrClosed = errors.New("event loop is shut down")

type Task func(ctx context.Context)

type task struct {
	ctx  context.Context
	run  Task
	name string
}

// Runs posted tasks one at a time in FIFO order on a single goroutine.
//
// Every mutation of grading state goes through the loop so tasks never race
// each other. Posting never blocks, so a task may post follow up work.
type Loop struct {
	wake    chan struct{}
	done    chan struct{}
	pending []task
	mu      sync.Mutex
	closed  bool
	started bool
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Queues task without waiting for it. Tasks posted after [Loop.Shutdown] are dropped.
//
// The task runs with the values and trace of ctx but not its cancellation.
func (l *Loop) Post(ctx context.Context, name string, t Task) {
	if err := l.post(ctx, name, t); err != nil {
		logger.Logger.WarnContext(ctx, "dropping task posted after shutdown", "task", name)
	}
}

func (l *Loop) post(ctx context.Context, name string, t Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.pending = append(l.pending, task{ctx: context.WithoutCancel(ctx), run: t, name: name})

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Queues t and waits for it to finish or ctx to end, whichever comes first.
// Must not be called from inside a task.
func (l *Loop) Do(ctx context.Context, name string, t func(ctx context.Context) error) error {
	result := make(chan error, 1)
	err := l.post(ctx, name, func(ctx context.Context) {
		result <- t(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

func (l *Loop) next(ctx context.Context) (task, bool) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			t := l.pending[0]
			l.pending[0] = task{}
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return t, true
		}
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return task{}, false
		}

		select {
		case <-ctx.Done():
			return task{}, false
		case <-l.wake:
		}
	}
}

func (l *Loop) execute(t task) {
	ctx, span := tracer.Start(t.ctx, "Loop/"+t.name, trace.WithAttributes(
		attribute.String("task", t.name),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("task %s panicked: %v", t.name, r)
			logger.Logger.ErrorContext(ctx, "event loop task panicked", logger.Critical, true, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "task panicked")
		}
	}()

	t.run(ctx)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "ran task")
}

// Drives the loop until [Loop.Shutdown] has drained it or ctx ends
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)

	for {
		t, ok := l.next(ctx)
		if !ok {
			return
		}
		l.execute(t)
	}
}

// Waits until every task queued before the call, and everything those tasks
// queued in turn, has run
func (l *Loop) Flush(ctx context.Context) error {
	for {
		var empty bool
		err := l.Do(ctx, "flush", func(context.Context) error {
			l.mu.Lock()
			empty = len(l.pending) == 0
			l.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// Stops accepting tasks and races draining the queue against ctx
func (l *Loop) Shutdown(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Shutdown")
	defer span.End()

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		span.AddEvent("hit_timeout")
		span.RecordError(errors.New("error shutting down in time"))
		span.SetStatus(codes.Error, "error shutting down in time")
		return errors.New("error shutting down in time")
	case <-l.done:
		span.AddEvent("done")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "finished shutting down")
		return nil
	}
}

// Posts t every interval until ctx ends
func (l *Loop) Ticker(ctx context.Context, clock clockwork.Clock, interval time.Duration, name string, t Task) {
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.Post(ctx, name, t)
			}
		}
	}()
}

// Coalescing wake up: any number of notifications before a receive count as one
type Signal struct {
	c chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

func (s *Signal) Notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

func (s *Signal) C() <-chan struct{} {
	return s.c
}
