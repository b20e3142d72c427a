package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

const testToken = "cluster-token"

// Minimal stand-in for the worker endpoints of the api
type fakeAPI struct {
	t              *testing.T
	jobs           []string
	results        []types.JobResult
	hostname       string
	heartbeats     int
	registerStatus int
	hbStatus       int
	resultStatus   int
	mu             sync.Mutex
}

func newFakeAPI(t *testing.T, jobs ...string) *fakeAPI {
	return &fakeAPI{
		t:              t,
		jobs:           jobs,
		registerStatus: http.StatusOK,
		hbStatus:       http.StatusOK,
		resultStatus:   http.StatusOK,
	}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/worker/g1/", func(w http.ResponseWriter, r *http.Request) {
		var reg types.WorkerRegistration
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&reg))

		f.mu.Lock()
		f.hostname = reg.Hostname
		status := f.registerStatus
		f.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, `{"message": "worker id g1 already exists"}`, status)
			return
		}
		_ = json.NewEncoder(w).Encode(types.WrapData(types.WorkerRegistered{Heartbeat: 1}))
	})
	mux.HandleFunc("POST /api/v1/heartbeat/g1/", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.heartbeats++
		if f.hbStatus != http.StatusOK {
			http.Error(w, `{"message": "worker is not alive"}`, f.hbStatus)
			return
		}
		_, _ = io.WriteString(w, `{"data": null}`)
	})
	mux.HandleFunc("GET /api/v1/grading_job/g1/", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if len(f.jobs) == 0 {
			http.Error(w, `{"message": "no grading job available"}`, statusQueueEmpty)
			return
		}
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		_, _ = io.WriteString(w, `{"data": `+job+`}`)
	})
	mux.HandleFunc("POST /api/v1/grading_job/g1/", func(w http.ResponseWriter, r *http.Request) {
		var result types.JobResult
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&result))

		f.mu.Lock()
		defer f.mu.Unlock()

		f.results = append(f.results, result)
		if f.resultStatus != http.StatusOK {
			http.Error(w, `{"message": "job is not running"}`, f.resultStatus)
			return
		}
		_, _ = io.WriteString(w, `{"data": null}`)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"message": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeAPI) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func startPull(t *testing.T, api *fakeAPI, token string) (*fakeRunner, context.CancelFunc, <-chan error) {
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	runner := newFakeRunner()
	grader := NewPullClient(Config{
		APIHost:  server.URL,
		GraderID: "g1",
		Token:    token,
		Hostname: "grader-host",
	}, runner, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- grader.Run(ctx) }()
	return runner, cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("grader did not stop")
		return nil
	}
}

func TestPullClient(t *testing.T) {
	job := func(id string) string {
		return `{"grading_job_id": "` + id + `", "stages": [{"image": "alpine"}]}`
	}

	t.Run("GradesQueuedJobs", func(t *testing.T) {
		api := newFakeAPI(t, job("j1"), job("j2"))
		runner, cancel, done := startPull(t, api, testToken)

		assert.Equal(t, "j1", <-runner.ran)
		assert.Equal(t, "j2", <-runner.ran)
		assert.Eventually(t, func() bool { return api.resultCount() == 2 }, 5*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, wait(t, done), "cancellation is a clean stop")

		api.mu.Lock()
		defer api.mu.Unlock()
		assert.Equal(t, "grader-host", api.hostname)
		assert.GreaterOrEqual(t, api.heartbeats, 1)
		assert.Equal(t, "j1", api.results[0].GradingJobID)
		assert.True(t, *api.results[0].Success)
		assert.Equal(t, "ran j2", api.results[1].Logs.Stdout)
	})

	t.Run("RegisterRejected", func(t *testing.T) {
		api := newFakeAPI(t)
		api.registerStatus = http.StatusBadRequest
		_, _, done := startPull(t, api, testToken)

		err := wait(t, done)
		require.ErrorIs(t, err, ErrRegister)

		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, http.StatusBadRequest, respErr.Status)
		assert.Contains(t, respErr.Body, "already exists")
	})

	t.Run("BadToken", func(t *testing.T) {
		_, _, done := startPull(t, newFakeAPI(t), "wrong")

		var respErr *ResponseError
		require.ErrorAs(t, wait(t, done), &respErr)
		assert.Equal(t, http.StatusUnauthorized, respErr.Status)
	})

	t.Run("HeartbeatRejected", func(t *testing.T) {
		api := newFakeAPI(t)
		api.hbStatus = http.StatusBadRequest
		_, _, done := startPull(t, api, testToken)

		var respErr *ResponseError
		require.ErrorAs(t, wait(t, done), &respErr)
		assert.Equal(t, "heartbeat", respErr.Op)
	})

	t.Run("ResultRejected", func(t *testing.T) {
		api := newFakeAPI(t, job("j1"), job("j2"))
		api.resultStatus = http.StatusBadRequest
		runner, _, done := startPull(t, api, testToken)

		var respErr *ResponseError
		require.ErrorAs(t, wait(t, done), &respErr)
		assert.Equal(t, "submit result", respErr.Op)
		assert.Equal(t, "j1", <-runner.ran)
		assert.Empty(t, runner.ran, "grading stops after a rejected result")
	})

	t.Run("InvalidJob", func(t *testing.T) {
		api := newFakeAPI(t, `{"grading_job_id": "j1"}`)
		_, _, done := startPull(t, api, testToken)

		err := wait(t, done)
		require.Error(t, err)
		var respErr *ResponseError
		assert.False(t, errors.As(err, &respErr))
		assert.Contains(t, err.Error(), "invalid grading job")
	})
}
