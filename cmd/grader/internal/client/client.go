package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const name = "github.com/illinois-cs241/broadway/broadway-api/cmd/grader/internal/client"

var tracer = otel.Tracer(name)

const (
	apiPrefix = "/api/v1"

	statusQueueEmpty = 498

	DefaultPollInterval = 5 * time.Second
	DefaultHeartbeat    = 10 * time.Second
)

var (
	ErrUnsupportedScheme = errors.New("unsupported api host scheme")
	ErrRegister          = errors.New("failed to register with the api")
)

type Config struct {
	// Scheme and host of the api without a trailing slash, e.g. http://127.0.0.1:1470
	APIHost  string
	GraderID string
	Token    string
	Hostname string
	Verbose  bool
}

func (c Config) authorization() string {
	return "Bearer " + c.Token
}

// Executes grading jobs, see [pipeline.Runner]
type JobRunner interface {
	Run(ctx context.Context, job *types.GradingJob) *types.JobResult
}

// Non 200 answer from the api
type ResponseError struct {
	Op     string
	Body   string
	Status int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: api responded %d: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

// Endpoint url for path under the api prefix, rewriting the scheme to
// websocket when websocket is set
func endpoint(apiHost string, websocket bool, path ...string) (string, error) {
	u, err := parseHost(strings.TrimSuffix(apiHost, "/"))
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "ws":
		if websocket {
			u.Scheme = "ws"
		} else if u.Scheme == "ws" {
			return "", fmt.Errorf("%w: %s for pull mode", ErrUnsupportedScheme, u.Scheme)
		}
	case "https", "wss":
		if websocket {
			u.Scheme = "wss"
		} else if u.Scheme == "wss" {
			return "", fmt.Errorf("%w: %s for pull mode", ErrUnsupportedScheme, u.Scheme)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	return u.JoinPath(append([]string{apiPrefix}, path...)...).String() + "/", nil
}

// A host without a scheme such as "127.0.0.1:1470" fails to parse; that is
// reported as an unsupported scheme too
func parseHost(apiHost string) (*url.URL, error) {
	u, err := url.Parse(apiHost)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse api host %q: %w", ErrUnsupportedScheme, apiHost, err)
	}
	return u, nil
}

// Reports whether apiHost selects the push channel
func IsWebsocket(apiHost string) (bool, error) {
	u, err := parseHost(apiHost)
	if err != nil {
		return false, err
	}

	switch u.Scheme {
	case "ws", "wss":
		return true, nil
	case "http", "https":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Waits for d on clock or until ctx is done
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
