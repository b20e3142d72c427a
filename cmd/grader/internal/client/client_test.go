package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// Succeeds every job and records what it ran
type fakeRunner struct {
	ran chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan string, 16)}
}

func (r *fakeRunner) Run(_ context.Context, job *types.GradingJob) *types.JobResult {
	r.ran <- job.GradingJobID
	success := true
	return &types.JobResult{
		Success:      &success,
		GradingJobID: job.GradingJobID,
		Results:      []types.StageResult{{"stage": 0, "success": true}},
		Logs:         types.GradingJobLog{Stdout: "ran " + job.GradingJobID},
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		host      string
		websocket bool
		want      string
	}{
		{name: "Http", host: "http://127.0.0.1:1470", want: "http://127.0.0.1:1470/api/v1/worker/g1/"},
		{name: "TrailingSlash", host: "https://broadway.example/", want: "https://broadway.example/api/v1/worker/g1/"},
		{name: "HttpToWs", host: "http://127.0.0.1:1470", websocket: true, want: "ws://127.0.0.1:1470/api/v1/worker/g1/"},
		{name: "HttpsToWss", host: "https://broadway.example", websocket: true, want: "wss://broadway.example/api/v1/worker/g1/"},
		{name: "Ws", host: "ws://h:1", websocket: true, want: "ws://h:1/api/v1/worker/g1/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := endpoint(tt.host, tt.websocket, "worker", "g1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("WsForPull", func(t *testing.T) {
		_, err := endpoint("ws://h:1", false, "worker", "g1")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("UnknownScheme", func(t *testing.T) {
		_, err := endpoint("ftp://h", true, "worker", "g1")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("MissingScheme", func(t *testing.T) {
		_, err := endpoint("127.0.0.1:1470", false, "worker", "g1")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})
}

func TestIsWebsocket(t *testing.T) {
	ws, err := IsWebsocket("wss://broadway.example")
	require.NoError(t, err)
	assert.True(t, ws)

	ws, err = IsWebsocket("http://127.0.0.1:1470")
	require.NoError(t, err)
	assert.False(t, ws)

	_, err = IsWebsocket("127.0.0.1:1470")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = IsWebsocket("broadway.example")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDecodeJob(t *testing.T) {
	job, err := decodeJob([]byte(`{"grading_job_id": "j1", "stages": [{"image": "alpine", "env": {"A": "b"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "j1", job.GradingJobID)
	assert.Equal(t, types.Env{"A": "b"}, job.Stages[0].Env)

	_, err = decodeJob([]byte(`{"grading_job_id": "j1"}`))
	assert.Error(t, err)

	_, err = decodeJob([]byte(`{"grading_job_id": "j1", "stages": [{"image": "a", "gpu": true}]}`))
	assert.Error(t, err)
}
