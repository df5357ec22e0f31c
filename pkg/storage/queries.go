package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a request id with no trace row.
var ErrNotFound = errors.New("request trace not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RequestSummary is one row of the request listing.
type RequestSummary struct {
	RequestID        string     `json:"request_id"`
	UserID           string     `json:"user_id,omitempty"`
	Text             string     `json:"text"`
	State            string     `json:"state"`
	CacheHit         bool       `json:"cache_hit"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalMS          int64      `json:"total_ms"`
	ReceivedAt       time.Time  `json:"received_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	FailureKind      string     `json:"failure_kind,omitempty"`
	FailureMessage   string     `json:"failure_message,omitempty"`
}

// StageArtifact is one persisted stage output.
type StageArtifact struct {
	Stage      string          `json:"stage"`
	Artifact   json.RawMessage `json:"artifact"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LLMCall is one persisted model call record.
type LLMCall struct {
	Stage            string    `json:"stage"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	Outcome          string    `json:"outcome"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RequestDetail is the full trace of one request.
type RequestDetail struct {
	RequestSummary
	Response  json.RawMessage `json:"response,omitempty"`
	Artifacts []StageArtifact `json:"artifacts"`
	LLMCalls  []LLMCall       `json:"llm_calls"`
}

// ListRequests returns recent requests, newest first. An empty state lists
// all states.
func (t *TraceStore) ListRequests(ctx context.Context, state string, limit, offset int) ([]RequestSummary, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT request_id, user_id, request_text, state, cache_hit,
		       prompt_tokens, completion_tokens, total_ms,
		       received_at, finished_at, failure_kind, failure_message
		FROM pipeline_requests
		WHERE ($1 = '' OR state = $1)
		ORDER BY received_at DESC
		LIMIT $2 OFFSET $3`,
		state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []RequestSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		out = append(out, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// GetRequest returns the full trace for one request id.
func (t *TraceStore) GetRequest(ctx context.Context, requestID string) (*RequestDetail, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT request_id, user_id, request_text, state, cache_hit,
		       prompt_tokens, completion_tokens, total_ms,
		       received_at, finished_at, failure_kind, failure_message,
		       response
		FROM pipeline_requests
		WHERE request_id = $1`,
		requestID)

	detail := &RequestDetail{}
	var (
		finishedAt   sql.NullTime
		failKind     sql.NullString
		failMessage  sql.NullString
		responseJSON []byte
	)
	err := row.Scan(
		&detail.RequestID, &detail.UserID, &detail.Text, &detail.State, &detail.CacheHit,
		&detail.PromptTokens, &detail.CompletionTokens, &detail.TotalMS,
		&detail.ReceivedAt, &finishedAt, &failKind, &failMessage,
		&responseJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if finishedAt.Valid {
		detail.FinishedAt = &finishedAt.Time
	}
	detail.FailureKind = failKind.String
	detail.FailureMessage = failMessage.String
	detail.Response = responseJSON

	if detail.Artifacts, err = t.artifacts(ctx, requestID); err != nil {
		return nil, err
	}
	if detail.LLMCalls, err = t.llmCalls(ctx, requestID); err != nil {
		return nil, err
	}
	return detail, nil
}

func (t *TraceStore) artifacts(ctx context.Context, requestID string) ([]StageArtifact, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT stage, artifact, duration_ms, created_at
		FROM stage_artifacts
		WHERE request_id = $1
		ORDER BY id`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("list stage artifacts: %w", err)
	}
	defer rows.Close()

	var out []StageArtifact
	for rows.Next() {
		var a StageArtifact
		var payload []byte
		if err := rows.Scan(&a.Stage, &payload, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		a.Artifact = payload
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *TraceStore) llmCalls(ctx context.Context, requestID string) ([]LLMCall, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT stage, model, prompt_tokens, completion_tokens, duration_ms, outcome, error, created_at
		FROM llm_interactions
		WHERE request_id = $1
		ORDER BY id`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}
	defer rows.Close()

	var out []LLMCall
	for rows.Next() {
		var c LLMCall
		if err := rows.Scan(&c.Stage, &c.Model, &c.PromptTokens, &c.CompletionTokens,
			&c.DurationMS, &c.Outcome, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan llm call row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSummary(rows *sql.Rows) (*RequestSummary, error) {
	sum := &RequestSummary{}
	var (
		finishedAt  sql.NullTime
		failKind    sql.NullString
		failMessage sql.NullString
	)
	err := rows.Scan(
		&sum.RequestID, &sum.UserID, &sum.Text, &sum.State, &sum.CacheHit,
		&sum.PromptTokens, &sum.CompletionTokens, &sum.TotalMS,
		&sum.ReceivedAt, &finishedAt, &failKind, &failMessage)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		sum.FinishedAt = &finishedAt.Time
	}
	sum.FailureKind = failKind.String
	sum.FailureMessage = failMessage.String
	return sum, nil
}
