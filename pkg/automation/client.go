// Package automation is the client for the external Automation service:
// dispatch a validated plan, poll per-step observations until the execution
// reaches a terminal status, and signal cancellation. The client carries no
// execution logic of its own; gating and observation folding live in the
// pipeline's executor bridge.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// ErrNotConfigured is returned when no Automation service base URL is set.
var ErrNotConfigured = errors.New("automation service not configured")

// maxConsecutivePollFailures bounds how many status polls in a row may fail
// before Await gives up on the execution.
const maxConsecutivePollFailures = 3

// awaitHeartbeatPolls sets how often Await logs progress on a still-running
// execution, measured in status polls.
const awaitHeartbeatPolls = 10

// StepObservation is one step's status inside an execution snapshot.
type StepObservation struct {
	StepID         string    `json:"step_id"`
	StepInstanceID string    `json:"step_instance_id,omitempty"`
	Tool           string    `json:"tool"`
	Status         string    `json:"status"`
	Output         string    `json:"output,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
}

// ExecutionState is one poll snapshot of an execution. Status values the
// pipeline recognizes as terminal are the models.ExecutionStatus set;
// anything else ("pending", "running") keeps the poll loop going.
type ExecutionState struct {
	ExecutionID string            `json:"execution_id"`
	Status      string            `json:"status"`
	Steps       []StepObservation `json:"steps"`
	Error       string            `json:"error,omitempty"`
}

// Terminal reports whether the execution reached a final status.
func (s *ExecutionState) Terminal() bool {
	return models.ExecutionStatus(s.Status).IsValid()
}

type dispatchRequest struct {
	RequestID string       `json:"request_id"`
	Plan      *models.Plan `json:"plan"`
}

type dispatchResponse struct {
	ExecutionID string `json:"execution_id"`
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

// Client provides HTTP access to the Automation service.
type Client struct {
	cfg        *config.AutomationConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates the Automation client with the configured per-call
// timeout.
func NewClient(cfg *config.AutomationConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     slog.Default().With("component", "automation"),
	}
}

// Enabled reports whether an Automation service is configured. When false,
// Stage E cannot dispatch and plans stay advisory.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != ""
}

// Dispatch posts a plan for execution and returns the execution id. The
// plan's steps must already carry step-instance ids; the Automation service
// deduplicates replays on them.
func (c *Client) Dispatch(ctx context.Context, requestID string, plan *models.Plan) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(dispatchRequest{RequestID: requestID, Plan: plan})
	if err != nil {
		return "", fmt.Errorf("encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch execution: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("automation service returned HTTP %d on dispatch", resp.StatusCode)
	}

	var payload dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode dispatch response: %w", err)
	}
	if payload.ExecutionID == "" {
		return "", fmt.Errorf("automation service returned no execution id")
	}

	c.logger.Info("Plan dispatched",
		"request_id", requestID,
		"execution_id", payload.ExecutionID,
		"steps", len(plan.Steps))
	return payload.ExecutionID, nil
}

// Status fetches one execution snapshot.
func (c *Client) Status(ctx context.Context, executionID string) (*ExecutionState, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}

	endpoint := c.cfg.BaseURL + "/executions/" + url.PathEscape(executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll execution %s: %w", executionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("automation service returned HTTP %d for execution %s", resp.StatusCode, executionID)
	}

	var state ExecutionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", executionID, err)
	}
	return &state, nil
}

// Await polls the execution until it reaches a terminal status or the
// context ends. The last snapshot observed is always returned, so callers
// keep pre-cancellation observations even when the wait is cut short. Up to
// maxConsecutivePollFailures flaky polls are tolerated before the loop
// gives up. Long waits log a periodic heartbeat with the last observed
// status.
func (c *Client) Await(ctx context.Context, executionID string) (*ExecutionState, error) {
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()

	var last *ExecutionState
	started := time.Now()
	failures := 0
	polls := 0
	for {
		state, err := c.Status(ctx, executionID)
		polls++
		switch {
		case err != nil && ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil:
			failures++
			if failures >= maxConsecutivePollFailures {
				return last, fmt.Errorf("lost execution %s after %d poll failures: %w", executionID, failures, err)
			}
			c.logger.Warn("Execution poll failed, retrying",
				"execution_id", executionID,
				"attempt", failures,
				"error", err)
		default:
			failures = 0
			last = state
			if state.Terminal() {
				return state, nil
			}
		}

		if polls%awaitHeartbeatPolls == 0 {
			status := "unknown"
			steps := 0
			if last != nil {
				status = last.Status
				steps = len(last.Steps)
			}
			c.logger.Info("Execution still running",
				"execution_id", executionID,
				"status", status,
				"steps_observed", steps,
				"polls", polls,
				"elapsed", time.Since(started).Round(time.Millisecond))
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel signals the Automation service to stop an execution. The request
// id ties the signal to the originating pipeline request. Cancelling an
// already-terminal execution is not an error.
func (c *Client) Cancel(ctx context.Context, executionID, requestID string) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(cancelRequest{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("encode cancel request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/executions/" + url.PathEscape(executionID) + "/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("automation service returned HTTP %d on cancel", resp.StatusCode)
	}
}
