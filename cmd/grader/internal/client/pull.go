package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/schema"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// Grader that polls the api for jobs over http
type PullClient struct {
	http         *retryablehttp.Client
	runner       JobRunner
	clock        clockwork.Clock
	cfg          Config
	pollInterval time.Duration
	heartbeat    time.Duration
}

type PullOption func(*PullClient)

func WithPollInterval(d time.Duration) PullOption {
	return func(c *PullClient) { c.pollInterval = d }
}

func WithClock(clock clockwork.Clock) PullOption {
	return func(c *PullClient) { c.clock = clock }
}

func WithHTTPClient(client *http.Client) PullOption {
	return func(c *PullClient) { c.http.HTTPClient = client }
}

func NewPullClient(cfg Config, runner JobRunner, opts ...PullOption) *PullClient {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.Logger = logger.Logger

	c := &PullClient{
		http:         httpClient,
		runner:       runner,
		clock:        clockwork.NewRealClock(),
		cfg:          cfg,
		pollInterval: DefaultPollInterval,
		heartbeat:    DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registers and then heartbeats and grades until ctx is done or the api
// rejects a heartbeat, a poll or a result
func (c *PullClient) Run(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.heartbeatLoop(egctx) })
	eg.Go(func() error { return c.workLoop(egctx) })

	err := eg.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Logger.InfoContext(ctx, "grader stopped")
		return nil
	}
	return err
}

func (c *PullClient) register(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "PullClient.register", trace.WithAttributes(
		attribute.String("grader.id", c.cfg.GraderID),
	))
	defer span.End()

	body, err := json.Marshal(types.WorkerRegistration{Hostname: c.cfg.Hostname})
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	var registered types.Data[*types.WorkerRegistered]
	if err := c.call(ctx, "register", http.MethodPost, []string{"worker", c.cfg.GraderID}, body, &registered); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register")
		return errors.Join(ErrRegister, err)
	}

	if registered.Data != nil && registered.Data.Heartbeat > 0 {
		c.heartbeat = time.Duration(registered.Data.Heartbeat) * time.Second
	} else {
		logger.Logger.InfoContext(ctx, "api did not send a heartbeat interval, using default", "heartbeat", c.heartbeat)
	}

	logger.Logger.InfoContext(ctx, "registered with api", "grader", c.cfg.GraderID, "heartbeat", c.heartbeat)
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "registered")
	return nil
}

func (c *PullClient) heartbeatLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		if err := c.call(ctx, "heartbeat", http.MethodPost, []string{"heartbeat", c.cfg.GraderID}, nil, nil); err != nil {
			if ctx.Err() == nil {
				logger.Logger.ErrorContext(ctx, "heartbeat failed", logger.Critical, true, "error", err)
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (c *PullClient) workLoop(ctx context.Context) error {
	for {
		job, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Logger.ErrorContext(ctx, "bad api response while polling for a job", logger.Critical, true, "error", err)
			}
			return err
		}

		if job == nil {
			if err := sleep(ctx, c.clock, c.pollInterval); err != nil {
				return err
			}
			continue
		}

		if err := c.grade(ctx, job); err != nil {
			if ctx.Err() == nil {
				logger.Logger.ErrorContext(ctx, "bad api response while submitting a result", logger.Critical, true, "error", err)
			}
			return err
		}
	}
}

// Next job for this grader, nil when the queue is empty
func (c *PullClient) poll(ctx context.Context) (*types.GradingJob, error) {
	req, err := c.request(ctx, http.MethodGet, []string{"grading_job", c.cfg.GraderID}, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}

	switch resp.StatusCode {
	case statusQueueEmpty:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, &ResponseError{Op: "poll", Status: resp.StatusCode, Body: string(respBody)}
	}

	var envelope types.Data[json.RawMessage]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode polled job: %w", err)
	}

	return decodeJob(envelope.Data)
}

func (c *PullClient) grade(ctx context.Context, job *types.GradingJob) error {
	ctx, span := tracer.Start(ctx, "PullClient.grade", trace.WithAttributes(
		attribute.String("job.id", job.GradingJobID),
	))
	defer span.End()

	result := execute(ctx, c.runner, job, c.cfg.Verbose)

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	logger.Logger.InfoContext(ctx, "sending job result", "job", job.GradingJobID)
	if err := c.call(ctx, "submit result", http.MethodPost, []string{"grading_job", c.cfg.GraderID}, body, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit result")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "graded job")
	return nil
}

func (c *PullClient) request(ctx context.Context, method string, path []string, body []byte) (*retryablehttp.Request, error) {
	url, err := endpoint(c.cfg.APIHost, false, path...)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.authorization())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Sends a request that must be answered with 200, decoding the body into out when given
func (c *PullClient) call(ctx context.Context, op, method string, path []string, body []byte, out any) error {
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &ResponseError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}

func decodeJob(raw []byte) (*types.GradingJob, error) {
	if err := schema.Validate(schema.GradingJob, raw); err != nil {
		return nil, fmt.Errorf("invalid grading job: %w", err)
	}

	var job types.GradingJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode grading job: %w", err)
	}
	return &job, nil
}

func execute(ctx context.Context, runner JobRunner, job *types.GradingJob, verbose bool) *types.JobResult {
	logger.Logger.InfoContext(ctx, "starting job", "job", job.GradingJobID, "stages", len(job.Stages))

	result := runner.Run(ctx, job)

	logger.Logger.InfoContext(ctx, "finished job", "job", job.GradingJobID, "success", *result.Success)
	if verbose {
		logger.Logger.InfoContext(ctx, "job output",
			"job", job.GradingJobID,
			"stdout", result.Logs.Stdout,
			"stderr", result.Logs.Stderr,
		)
	}
	return result
}
