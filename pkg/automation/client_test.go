package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/models"
)

func newTestClient(baseURL string) *Client {
	return NewClient(&config.AutomationConfig{
		BaseURL:        baseURL,
		TimeoutS:       5,
		PollIntervalMS: 5,
	})
}

func testPlan() *models.Plan {
	return &models.Plan{
		Steps: []models.PlanStep{
			{
				ID:              "step-1",
				Tool:            "service_restart",
				Inputs:          map[string]string{"service": "nginx", "host": "web-prod-01"},
				FailureHandling: models.FailureAbort,
				StepInstanceID:  "si-0001",
			},
		},
		RollbackPlan: []models.RollbackEntry{{StepID: "step-1", RollbackAction: "service_start nginx"}},
	}
}

func TestClient_Disabled(t *testing.T) {
	c := newTestClient("")
	assert.False(t, c.Enabled())

	_, err := c.Dispatch(context.Background(), "req-1", testPlan())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.Status(context.Background(), "exec-1")
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = c.Cancel(context.Background(), "exec-1", "req-1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_Dispatch(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"execution_id":"exec-42"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	execID, err := c.Dispatch(context.Background(), "req-1", testPlan())
	require.NoError(t, err)
	assert.Equal(t, "exec-42", execID)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/executions", gotPath)
	assert.Equal(t, "application/json", gotContentType)

	var sent dispatchRequest
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "req-1", sent.RequestID)
	require.Len(t, sent.Plan.Steps, 1)
	assert.Equal(t, "si-0001", sent.Plan.Steps[0].StepInstanceID,
		"step-instance ids must travel with the plan for replay dedup")
}

func TestClient_DispatchRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	_, err := c.Dispatch(context.Background(), "req-1", testPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_DispatchWithoutExecutionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	_, err := c.Dispatch(context.Background(), "req-1", testPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no execution id")
}

func TestClient_Status(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{
			"execution_id": "exec-42",
			"status": "running",
			"steps": [
				{"step_id": "step-1", "tool": "service_restart", "status": "running"}
			]
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	state, err := c.Status(context.Background(), "exec-42")
	require.NoError(t, err)
	assert.Equal(t, "/executions/exec-42", gotPath)
	assert.Equal(t, "running", state.Status)
	assert.False(t, state.Terminal())
	require.Len(t, state.Steps, 1)
	assert.Equal(t, "step-1", state.Steps[0].StepID)
}

func TestExecutionState_Terminal(t *testing.T) {
	terminal := []string{"completed", "failed", "cancelled", "partial"}
	for _, status := range terminal {
		assert.True(t, (&ExecutionState{Status: status}).Terminal(), status)
	}
	for _, status := range []string{"pending", "running", ""} {
		assert.False(t, (&ExecutionState{Status: status}).Terminal(), status)
	}
}

func TestClient_AwaitPollsUntilTerminal(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		polls++
		if polls < 3 {
			_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"execution_id": "exec-42",
			"status": "completed",
			"steps": [
				{"step_id": "step-1", "tool": "service_restart", "status": "completed",
				 "output": "nginx restarted", "duration_ms": 1200}
			]
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	state, err := c.Await(context.Background(), "exec-42")
	require.NoError(t, err)
	assert.Equal(t, 3, polls)
	assert.Equal(t, "completed", state.Status)
	require.Len(t, state.Steps, 1)
	assert.Equal(t, "nginx restarted", state.Steps[0].Output)
}

func TestClient_AwaitToleratesFlakyPolls(t *testing.T) {
	t.Run("recovers within the failure budget", func(t *testing.T) {
		polls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			polls++
			switch polls {
			case 2, 3:
				w.WriteHeader(http.StatusInternalServerError)
			case 1:
				_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"running"}`))
			default:
				_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"completed"}`))
			}
		}))
		defer server.Close()

		c := newTestClient(server.URL)

		state, err := c.Await(context.Background(), "exec-42")
		require.NoError(t, err)
		assert.Equal(t, "completed", state.Status)
	})

	t.Run("gives up after consecutive failures", func(t *testing.T) {
		polls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			polls++
			if polls == 1 {
				_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"running"}`))
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := newTestClient(server.URL)

		state, err := c.Await(context.Background(), "exec-42")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll failures")
		require.NotNil(t, state, "last good snapshot must survive the failure")
		assert.Equal(t, "running", state.Status)
	})
}

func TestClient_AwaitLogsHeartbeat(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		polls++
		if polls <= awaitHeartbeatPolls {
			_, _ = w.Write([]byte(`{
				"execution_id": "exec-42",
				"status": "running",
				"steps": [{"step_id": "step-1", "tool": "service_restart", "status": "running"}]
			}`))
			return
		}
		_, _ = w.Write([]byte(`{"execution_id":"exec-42","status":"completed"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := newTestClient(server.URL)
	c.logger = slog.New(slog.NewTextHandler(&buf, nil))

	_, err := c.Await(context.Background(), "exec-42")
	require.NoError(t, err)

	logged := buf.String()
	assert.Contains(t, logged, "Execution still running")
	assert.Contains(t, logged, "exec-42")
	assert.Contains(t, logged, "status=running")
}

func TestClient_AwaitCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"execution_id": "exec-42",
			"status": "running",
			"steps": [{"step_id": "step-1", "tool": "disk_usage", "status": "completed", "output": "82%"}]
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	state, err := c.Await(ctx, "exec-42")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, state, "observations received before cancellation must be preserved")
	assert.Equal(t, "82%", state.Steps[0].Output)
}

func TestClient_Cancel(t *testing.T) {
	var gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	err := c.Cancel(context.Background(), "exec-42", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "/executions/exec-42/cancel", gotPath)

	var sent cancelRequest
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "req-1", sent.RequestID)
}

func TestClient_CancelRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	err := c.Cancel(context.Background(), "exec-42", "req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
