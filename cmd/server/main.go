package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	_ "github.com/illinois-cs241/broadway/broadway-api/cmd/server/docs"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/ratelimit"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/store"
	"github.com/illinois-cs241/broadway/broadway-api/internal/config"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/multiqueue"
	"github.com/illinois-cs241/broadway/broadway-api/internal/otel"
)

const name string = "github.com/illinois-cs241/broadway/broadway-api/server"

var tracer = otellib.Tracer(name)

type server struct {
	app          *app
	config       *config.Config
	closers      []io.Closer
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Logger.WarnContext(ctx, "using the in memory store, grading state is lost on restart")
		return store.NewMemory(cfg.Store.MaxRecordBytes), nil
	}
	return store.OpenPostgres(ctx, cfg)
}

func openQueue(ctx context.Context, cfg *config.Config) (multiqueue.MultiQueue, io.Closer, error) {
	if cfg.Queue.Driver != "redis" {
		return multiqueue.NewMemory(), nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to reach queue redis: %w", err), client.Close())
	}
	return multiqueue.NewRedis(client, cfg.Queue.KeyPrefix), client, nil
}

func initServer(ctx context.Context, cfg *config.Config) (*server, error) {
	server := &server{config: cfg}

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))
	if cfg.Logging.File.Dir != "" {
		sink, err := logger.InitFileSink(logger.FileSink{
			Dir:        cfg.Logging.File.Dir,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize log file: %w", err)
		}
		server.closers = append(server.closers, sink)
	}

	shutdownOTel, err := otel.SetupOTelSDK(ctx, "broadway-api", cfg.Logging.UseOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	server.otelShutdown = shutdownOTel

	ok := false
	defer func() {
		// flush whatever was initialized when a later step fails
		if !ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown())
			defer cancel()
			if err := server.close(shutdownCtx); err != nil {
				logger.Logger.Error("failed to clean up after init failure", "error", err)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "initServer")
	defer span.End()

	st, err := openStore(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open store")
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	server.closers = append(server.closers, st)

	span.AddEvent("opened store")

	mq, queueCloser, err := openQueue(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open queue")
		return nil, err
	}
	if queueCloser != nil {
		server.closers = append(server.closers, queueCloser)
	}
	if _, err = multiqueue.ObserveDepth(otellib.Meter(name), mq); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register queue depth gauge")
		return nil, fmt.Errorf("failed to register queue depth gauge: %w", err)
	}

	span.AddEvent("opened queue")

	if cfg.CourseConfig != "" {
		courses, err := loadCourses(ctx, cfg.CourseConfig)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load course config")
			return nil, err
		}
		if err = st.ReplaceCourses(ctx, courses); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to store courses")
			return nil, fmt.Errorf("failed to store courses: %w", err)
		}
		logger.Logger.InfoContext(ctx, "loaded course config", "courses", len(courses))
	}

	opts := appOptions{
		ClusterToken: cfg.Token,
		Heartbeat:    cfg.HeartbeatIntervalDuration(),
	}
	if cfg.RateLimit != nil && cfg.RateLimit.PerMinute > 0 {
		limiter := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		server.closers = append(server.closers, limiter)
		opts.ClientMiddleware = append(opts.ClientMiddleware, ratelimit.PerCourse(ratelimit.RedisLimiterConfig{
			RedisClient: limiter,
			LimiterKey:  "course",
			PerMinute:   cfg.RateLimit.PerMinute,
			FailOpen:    cfg.RateLimit.FailOpen,
		}))
	}

	server.app, err = newApp(st, mq, clockwork.NewRealClock(), opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build app")
		return nil, err
	}

	if err = server.app.recover(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to recover grading state")
		return nil, err
	}

	span.AddEvent("recovered grading state")

	ok = true
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "initialized server")
	return server, nil
}

func (s *server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.app.start(ctx)

	logger.Logger.Info("starting broadway", "address", s.config.ListenAddress())

	err := s.app.router.Start(s.config.ListenAddress())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) close(ctx context.Context) error {
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, s.closers[i].Close())
	}
	s.closers = nil

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
		s.otelShutdown = nil
	}
	return errs
}

func (s *server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.GracefulShutdown())
	defer cancel()

	errs := s.app.router.Shutdown(ctx)

	// drain tasks posted by the last requests before stopping the loop
	if err := s.app.loop.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("failed to drain event loop: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}

	return errors.Join(errs, s.close(ctx))
}

var rootCmd = &cobra.Command{
	Use:           "broadway-api",
	Short:         "Distributed autograding orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.GetConfig(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to initialize server config: %w", err)
		}

		ctx := cmd.Context()
		server, err := initServer(ctx, cfg)
		if err != nil {
			return err
		}

		errch := make(chan error, 1)
		go func() {
			<-ctx.Done()
			logger.Logger.Info("got shutdown signal")
			errch <- server.Shutdown()
		}()

		if err = server.Start(ctx); err != nil {
			return err
		}

		if err = <-errch; err != nil {
			return fmt.Errorf("error shutting down server: %w", err)
		}
		return nil
	},
}

func init() {
	config.BindFlags(rootCmd.Flags())
}

//go:generate swag init --parseInternal --parseDependency -g main.go -o docs

//	@title						Broadway API
//	@version					1.0
//	@description				Distributed autograding orchestrator
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	CourseToken
//	@in							header
//	@name						Authorization
//	@description				"Bearer <course token>"
//	@securityDefinitions.apikey	ClusterToken
//	@in							header
//	@name						Authorization
//	@description				"Bearer <cluster token>"
func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	logger.InitSlog()

	err := rootCmd.ExecuteContext(ctx)
	cancelSignal()
	if err != nil {
		logger.Logger.Error(err.Error())
		os.Exit(1)
	}
}

