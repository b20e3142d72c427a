package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const writeWait = 10 * time.Second

// Grader that keeps a websocket open and receives jobs as the api pushes them
type PushClient struct {
	dialer       *websocket.Dialer
	runner       JobRunner
	clock        clockwork.Clock
	backoff      func() retry.Backoff
	cfg          Config
	pingInterval time.Duration
}

type PushOption func(*PushClient)

func WithPingInterval(d time.Duration) PushOption {
	return func(c *PushClient) { c.pingInterval = d }
}

func WithPushClock(clock clockwork.Clock) PushOption {
	return func(c *PushClient) { c.clock = clock }
}

// Backoff between failed dials, created fresh for every connect
func WithDialBackoff(backoff func() retry.Backoff) PushOption {
	return func(c *PushClient) { c.backoff = backoff }
}

func NewPushClient(cfg Config, runner JobRunner, opts ...PushOption) *PushClient {
	c := &PushClient{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		runner: runner,
		clock:  clockwork.NewRealClock(),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(time.Second))
		},
		cfg:          cfg,
		pingInterval: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connects, registers and grades pushed jobs until ctx is done or the
// connection closes
func (c *PushClient) Run(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egctx.Done()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	})
	eg.Go(func() error { return c.pingLoop(egctx, conn) })
	eg.Go(func() error { return c.serve(egctx, conn) })

	err = eg.Wait()
	if ctx.Err() != nil {
		logger.Logger.InfoContext(ctx, "grader stopped")
		return nil
	}
	return err
}

func (c *PushClient) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, span := tracer.Start(ctx, "PushClient.connect", trace.WithAttributes(
		attribute.String("grader.id", c.cfg.GraderID),
	))
	defer span.End()

	url, err := endpoint(c.cfg.APIHost, true, "worker_ws", c.cfg.GraderID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", c.cfg.authorization())

	var conn *websocket.Conn
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		ws, resp, err := c.dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode < http.StatusInternalServerError {
				return &ResponseError{Op: "dial", Status: resp.StatusCode, Body: err.Error()}
			}
			logger.Logger.WarnContext(ctx, "failed to dial api, retrying", "url", url, "error", err)
			return retry.RetryableError(err)
		}
		conn = ws
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to dial")
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	if err := c.register(conn); err != nil {
		_ = conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register")
		return nil, errors.Join(ErrRegister, err)
	}

	logger.Logger.InfoContext(ctx, "registered with api", "grader", c.cfg.GraderID)
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "connected")
	return conn, nil
}

func (c *PushClient) register(conn *websocket.Conn) error {
	args, err := json.Marshal(types.WorkerRegistration{Hostname: c.cfg.Hostname})
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	if err := c.send(conn, types.WSMessage{Type: types.WSMessageRegister, Args: args}); err != nil {
		return err
	}

	var ack types.WSRegisterAck
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to read registration ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("grader id %s was rejected", c.cfg.GraderID)
	}
	return nil
}

func (c *PushClient) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Logger.ErrorContext(ctx, "connection closed", logger.Critical, true, "error", err)
			}
			return fmt.Errorf("connection closed: %w", err)
		}

		job, err := decodeJob(raw)
		if err != nil {
			logger.Logger.ErrorContext(ctx, "received an invalid job", logger.Critical, true, "error", err)
			return err
		}

		if err := c.grade(ctx, conn, job); err != nil {
			return err
		}
	}
}

func (c *PushClient) grade(ctx context.Context, conn *websocket.Conn, job *types.GradingJob) error {
	ctx, span := tracer.Start(ctx, "PushClient.grade", trace.WithAttributes(
		attribute.String("job.id", job.GradingJobID),
	))
	defer span.End()

	result := execute(ctx, c.runner, job, c.cfg.Verbose)

	args, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	logger.Logger.InfoContext(ctx, "sending job result", "job", job.GradingJobID)
	if err := c.send(conn, types.WSMessage{Type: types.WSMessageJobResult, Args: args}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send result")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "graded job")
	return nil
}

// Only the serve goroutine writes data frames
func (c *PushClient) send(conn *websocket.Conn, msg types.WSMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *PushClient) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		}
	}
}
