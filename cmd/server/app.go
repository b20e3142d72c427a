package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/callbacks"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/dispatch"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/eventloop"
	servermiddleware "github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/middleware"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/routes"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/routes/client"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/routes/worker"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/scheduler"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/workers"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
)

// Grading core and its HTTP surface, independent of how the store and queue were opened
type app struct {
	store      store.Store
	queue      multiqueue.MultiQueue
	loop       *eventloop.Loop
	schedule   *eventloop.Signal
	scheduler  *scheduler.Scheduler
	registry   *workers.Registry
	dispatcher *dispatch.Dispatcher
	router     *echo.Echo
	clock      clockwork.Clock
}

type appOptions struct {
	ClusterToken string
	Heartbeat    time.Duration
	// Applied to client routes after course auth
	ClientMiddleware []echo.MiddlewareFunc
}

func newApp(st store.Store, mq multiqueue.MultiQueue, clock clockwork.Clock, opts appOptions) (*app, error) {
	a := &app{
		store:    st,
		queue:    mq,
		loop:     eventloop.New(),
		schedule: eventloop.NewSignal(),
		clock:    clock,
	}

	a.scheduler = scheduler.New(st, mq, a.schedule, clock)
	cb := callbacks.New(st, a.scheduler)

	var err error
	a.registry, err = workers.New(st, a.loop, cb, clock, opts.Heartbeat)
	if err != nil {
		return nil, err
	}
	a.dispatcher, err = dispatch.New(st, mq, a.registry, cb, a.loop, a.schedule, clock)
	if err != nil {
		return nil, err
	}

	a.router, err = routes.BuildEcho(logger.Logger, clock)
	if err != nil {
		return nil, fmt.Errorf("error building router: %w", err)
	}

	auth := &servermiddleware.Handler{Store: st, ClusterToken: opts.ClusterToken}
	api := a.router.Group(routes.APIPrefix)
	client.NewHandler(st, mq, a.loop, a.scheduler, a.schedule).AddRoutes(api, auth, opts.ClientMiddleware...)
	worker.NewHandler(a.loop, a.registry, a.dispatcher, a.schedule, auth, clock).AddRoutes(api)

	return a, nil
}

// Restores the grading invariants after a restart: push channels are gone,
// jobs held by dead workers are failed and queued jobs missing from the queue
// are enqueued again. Must run before the loop starts.
func (a *app) recover(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "recover")
	defer span.End()

	reset, err := a.store.ResetPushWorkers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reset push workers")
		return fmt.Errorf("failed to reset push workers: %w", err)
	}

	reaped, err := a.registry.ReapDead(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to release dead workers")
		return fmt.Errorf("failed to release dead workers: %w", err)
	}

	requeued, err := a.scheduler.Recover(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to re-enqueue jobs")
		return fmt.Errorf("failed to re-enqueue jobs: %w", err)
	}

	logger.Logger.InfoContext(ctx, "recovered grading state",
		"push_workers_reset", reset,
		"dead_workers_released", reaped,
		"jobs_requeued", requeued,
	)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recovered grading state")
	return nil
}

func (a *app) sweep(ctx context.Context) {
	lost, err := a.registry.Sweep(ctx)
	if err != nil {
		logger.Logger.ErrorContext(ctx, "failed to sweep workers", "error", err)
	}
	if lost > 0 {
		a.schedule.Notify()
	}
}

// Starts the loop, the dispatcher and the liveness sweep. The dispatcher and
// the sweep stop with ctx; the loop keeps serving requests until
// [eventloop.Loop.Shutdown] drains it.
func (a *app) start(ctx context.Context) {
	go a.loop.Run(context.WithoutCancel(ctx))
	go a.dispatcher.Run(ctx)
	a.loop.Ticker(ctx, a.clock, a.registry.HeartbeatInterval(), "Sweep", a.sweep)
	// pick up anything recovered before the loop started
	a.schedule.Notify()
}
