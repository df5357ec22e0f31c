package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
)

// writeTimeout bounds every trace write. Terminal writes arrive on a
// detached context; an unhealthy database must not wedge shutdown.
const writeTimeout = 5 * time.Second

// TraceStore persists the request lifecycle. It implements both
// pipeline.TraceSink and llm.Recorder. Every write swallows its own
// failure: tracing never blocks or fails a request.
type TraceStore struct {
	db     *sql.DB
	masker *masking.Service
	logger *slog.Logger
}

// NewTraceStore creates the sink. The masker scrubs request text before it
// reaches the database; tool observations arrive already masked.
func NewTraceStore(store *Store, masker *masking.Service) *TraceStore {
	return &TraceStore{
		db:     store.db,
		masker: masker,
		logger: slog.Default().With("component", "trace-store"),
	}
}

// RequestReceived opens the trace row. A replayed request id keeps its
// original row.
func (t *TraceStore) RequestReceived(ctx context.Context, req *models.Request) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO pipeline_requests (request_id, user_id, request_text, state, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		req.RequestID, req.UserID, t.masker.MaskText(req.Text), string(models.StateReceived), req.ReceivedAt)
	t.warnOnErr(err, "request_received", req.RequestID)
}

// StateChanged records a lifecycle transition.
func (t *TraceStore) StateChanged(ctx context.Context, requestID string, state models.RequestState) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := t.db.ExecContext(ctx,
		`UPDATE pipeline_requests SET state = $2 WHERE request_id = $1`,
		requestID, string(state))
	t.warnOnErr(err, "state_changed", requestID)
}

// StageCompleted stores the stage's output artifact as JSON.
func (t *TraceStore) StageCompleted(ctx context.Context, requestID string, stage models.Stage, artifact any, durationMS int64) {
	payload, err := json.Marshal(artifact)
	if err != nil {
		t.logger.Warn("Stage artifact not serializable",
			"request_id", requestID,
			"stage", stage,
			"error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO stage_artifacts (request_id, stage, artifact, duration_ms)
		VALUES ($1, $2, $3, $4)`,
		requestID, string(stage), payload, durationMS)
	t.warnOnErr(err, "stage_completed", requestID)
}

// RequestFinished closes the trace row with either the Response or the
// terminal failure.
func (t *TraceStore) RequestFinished(ctx context.Context, requestID string, resp *models.Response, failure *pipeline.Error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	switch {
	case resp != nil:
		payload, err := json.Marshal(resp)
		if err != nil {
			t.logger.Warn("Response not serializable", "request_id", requestID, "error", err)
			return
		}
		_, err = t.db.ExecContext(ctx, `
			UPDATE pipeline_requests
			SET state = $2, response = $3, cache_hit = $4,
			    prompt_tokens = $5, completion_tokens = $6, total_ms = $7,
			    finished_at = now()
			WHERE request_id = $1`,
			requestID, string(resp.State), payload, resp.CacheHit,
			resp.Usage.Prompt, resp.Usage.Completion, resp.Timings.TotalMS)
		t.warnOnErr(err, "request_finished", requestID)
	case failure != nil:
		_, err := t.db.ExecContext(ctx, `
			UPDATE pipeline_requests
			SET failure_kind = $2, failure_stage = $3, failure_message = $4,
			    finished_at = now()
			WHERE request_id = $1`,
			requestID, string(failure.Kind), string(failure.Stage), failure.Message)
		t.warnOnErr(err, "request_finished", requestID)
	}
}

// RecordLLMCall appends one model call record.
func (t *TraceStore) RecordLLMCall(ctx context.Context, rec llm.CallRecord) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO llm_interactions (request_id, stage, model, prompt_tokens, completion_tokens, duration_ms, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RequestID, rec.Stage, rec.Model,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens,
		rec.DurationMS, rec.Outcome, rec.Error)
	t.warnOnErr(err, "llm_call", rec.RequestID)
}

func (t *TraceStore) warnOnErr(err error, op, requestID string) {
	if err != nil {
		t.logger.Warn("Trace write failed",
			"op", op,
			"request_id", requestID,
			"error", err)
	}
}
