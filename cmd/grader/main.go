package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/grader/cmds"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	broadwayotel "github.com/illinois-cs241/broadway/broadway-api/internal/otel"
	workererrors "github.com/illinois-cs241/broadway/broadway-api/internal/worker_errors"
)

var tracer = otel.Tracer("github.com/illinois-cs241/broadway/broadway-api/cmd/grader")

func runApp(ctx context.Context) int {
	useOTLP, err := strconv.ParseBool(os.Getenv("BROADWAY_USE_OTLP"))
	if err != nil {
		useOTLP = false
	}

	shutdown, err := broadwayotel.SetupOTelSDK(ctx, "broadway-grader", useOTLP)
	if err != nil {
		logger.Logger.Warn("failed to setup otel sdk", "error", err)
	}
	defer func() {
		// ctx is already cancelled after a signal
		fail := shutdown(context.WithoutCancel(ctx))
		if fail != nil {
			logger.Logger.Warn("no clean shutdown for otel", "error", fail)
		}
	}()

	// a grader started from a traced process links to its parent
	carrier := broadwayotel.CreateEnvCarrier()
	extractedContext := otel.GetTextMapPropagator().Extract(context.Background(), carrier)
	ctx, span := tracer.Start(
		ctx,
		"Grader",
		trace.WithNewRoot(),
		trace.WithLinks(trace.LinkFromContext(extractedContext)),
	)
	defer span.End()

	err = cmds.Execute(ctx)
	if err != nil {
		logger.Logger.Error("grader exited with an error", "error", err)
	}
	return workererrors.Code(err)
}

func main() {
	logger.InitSlog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runApp(ctx)
	stop()

	os.Exit(code)
}
