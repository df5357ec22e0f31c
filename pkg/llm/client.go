package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/version"
)

const (
	// maxAttempts bounds transport retries (first try included).
	maxAttempts = 3

	// maxResponseSize caps response reads at 10MB to prevent memory
	// exhaustion from a misbehaving backend.
	maxResponseSize = 10 * 1024 * 1024

	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// Message roles for the chat completions wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a single model call.
type ChatRequest struct {
	Messages    []Message
	Model       string // empty means the configured default
	MaxTokens   int
	Temperature float64
	Stop        []string
	// Schema switches the call to JSON mode: the backend is asked for a
	// json_object and the parsed response is validated against the schema,
	// with one corrective retry before giving up.
	Schema *Schema
	// Stage labels the call for logging and interaction records.
	Stage string
	// RequestID is the pipeline request this call belongs to.
	RequestID string
}

// Usage is the token accounting the backend reports.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResult is a completed model call.
type ChatResult struct {
	Text       string
	RawJSON    []byte // populated in JSON mode after validation
	Usage      Usage
	Model      string
	DurationMS int64
}

// Decode unmarshals the validated JSON payload into dst.
func (r *ChatResult) Decode(dst any) error {
	if r.RawJSON == nil {
		return errors.New("result carries no validated JSON payload")
	}
	return json.Unmarshal(r.RawJSON, dst)
}

// CallRecord summarizes one model call for trace persistence.
type CallRecord struct {
	RequestID  string
	Stage      string
	Model      string
	Usage      Usage
	DurationMS int64
	Outcome    string
	Error      string
}

// Recorder receives a record per model call. Implementations must not
// block; persistence failures are their own concern.
type Recorder interface {
	RecordLLMCall(ctx context.Context, rec CallRecord)
}

// Client is the process-wide LLM gateway. Safe for concurrent use; all
// calls share one connection pool and one concurrency semaphore.
type Client struct {
	cfg      *config.LLMConfig
	http     *http.Client
	sem      *semaphore.Weighted
	recorder Recorder
	logger   *slog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewClient creates the gateway for an OpenAI-compatible backend.
// recorder may be nil.
func NewClient(cfg *config.LLMConfig, recorder Recorder) *Client {
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout()},
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		recorder:    recorder,
		logger:      slog.Default().With("component", "llm-client"),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ContextWindow reports the configured model window so callers can clamp
// their completion budgets before building a request.
func (c *Client) ContextWindow() int {
	return c.cfg.ContextWindow
}

// Chat performs one model call. In JSON mode (req.Schema != nil) the
// response is parsed and schema-validated, with one corrective retry turn
// before ProtocolError.
//
// Errors: ContextOverflowError when the call cannot fit the window,
// ErrAdmissionTimeout when the concurrency queue is saturated, transient/
// fatal transport errors, ProtocolError, or the context's own error when
// cancelled or past deadline. No partial text is ever returned.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(errors.New("empty message list"))
	}
	if req.MaxTokens <= 0 {
		return nil, NewFatalError(fmt.Errorf("max_tokens must be positive, got %d", req.MaxTokens))
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	// Window guard before taking a slot: a call that cannot fit should not
	// queue at all.
	estimated := EstimateMessages(req.Messages)
	if estimated+req.MaxTokens > c.cfg.ContextWindow {
		return nil, &ContextOverflowError{
			EstimatedPrompt: estimated,
			MaxTokens:       req.MaxTokens,
			ContextWindow:   c.cfg.ContextWindow,
		}
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	start := time.Now()
	result, err := c.chatValidated(ctx, req, model)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		c.logger.Warn("LLM call failed",
			"stage", req.Stage,
			"model", model,
			"duration_ms", durationMS,
			"error", err)
		c.record(ctx, req, model, Usage{}, durationMS, err)
		return nil, err
	}

	result.DurationMS = durationMS
	c.logger.Info("LLM call completed",
		"stage", req.Stage,
		"model", result.Model,
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"duration_ms", durationMS)
	c.record(ctx, req, result.Model, result.Usage, durationMS, nil)
	return result, nil
}

// acquire waits for a concurrency slot, bounded by the admission window.
func (c *Client) acquire(ctx context.Context) error {
	admCtx, cancel := context.WithTimeout(ctx, c.cfg.AdmissionWait())
	defer cancel()

	if err := c.sem.Acquire(admCtx, 1); err != nil {
		// Distinguish saturation from caller cancellation/deadline.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrAdmissionTimeout
	}
	return nil
}

func (c *Client) record(ctx context.Context, req ChatRequest, model string, usage Usage, durationMS int64, callErr error) {
	if c.recorder == nil {
		return
	}
	rec := CallRecord{
		RequestID:  req.RequestID,
		Stage:      req.Stage,
		Model:      model,
		Usage:      usage,
		DurationMS: durationMS,
		Outcome:    "ok",
	}
	if callErr != nil {
		rec.Outcome = "error"
		rec.Error = callErr.Error()
	}
	c.recorder.RecordLLMCall(ctx, rec)
}

// chatValidated runs the call and, in JSON mode, enforces the schema with
// one corrective retry.
func (c *Client) chatValidated(ctx context.Context, req ChatRequest, model string) (*ChatResult, error) {
	result, err := c.complete(ctx, req.Messages, req, model)
	if err != nil {
		return nil, err
	}
	if req.Schema == nil {
		return result, nil
	}

	raw, verr := parseAndValidate(result.Text, req.Schema)
	if verr == nil {
		result.RawJSON = raw
		return result, nil
	}

	c.logger.Warn("Schema validation failed, issuing corrective retry",
		"schema", req.Schema.Name,
		"stage", req.Stage,
		"error", verr)

	corrective := append(slices.Clone(req.Messages),
		Message{Role: RoleAssistant, Content: result.Text},
		Message{Role: RoleUser, Content: correctiveTurn(verr)},
	)
	if est := EstimateMessages(corrective); est+req.MaxTokens > c.cfg.ContextWindow {
		// No room for a corrective turn; surface the violation as-is.
		return nil, &ProtocolError{Schema: req.Schema.Name, Raw: result.Text, Err: verr}
	}

	retry, err := c.complete(ctx, corrective, req, model)
	if err != nil {
		return nil, err
	}
	// Account for both calls.
	retry.Usage.PromptTokens += result.Usage.PromptTokens
	retry.Usage.CompletionTokens += result.Usage.CompletionTokens

	raw, verr = parseAndValidate(retry.Text, req.Schema)
	if verr != nil {
		return nil, &ProtocolError{Schema: req.Schema.Name, Raw: retry.Text, Err: verr}
	}
	retry.RawJSON = raw
	return retry, nil
}

// complete performs the HTTP call with transport retries. The idempotency
// key is generated once and reused across attempts so the backend can
// deduplicate.
func (c *Client) complete(ctx context.Context, messages []Message, req ChatRequest, model string) (*ChatResult, error) {
	callID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Debug("Retrying LLM call",
				"attempt", attempt,
				"call_id", callID,
				"stage", req.Stage)
		}

		result, err := c.doRequest(ctx, messages, req, model, callID)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoffDelay is exponential with ±25% jitter: 250ms, 500ms, 1s... capped
// at 2s.
func (c *Client) backoffDelay(retry int) time.Duration {
	d := c.backoffBase << (retry - 1)
	if d > c.backoffCap {
		d = c.backoffCap
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2)) - d/4
	return d + jitter
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) doRequest(ctx context.Context, messages []Message, req ChatRequest, model, callID string) (*ChatResult, error) {
	body := chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", callID)
	httpReq.Header.Set("User-Agent", version.Full())
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, data)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewTransientError(fmt.Errorf("malformed completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(errors.New("completion response has no choices"))
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &ChatResult{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage,
		Model: respModel,
	}, nil
}

// classifyHTTPError sorts backend status codes into transient vs fatal.
// 429 and 5xx are retryable; auth and malformed-request errors are not.
func classifyHTTPError(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return NewTransientError(fmt.Errorf("rate limited (429): %s", snippet))
	case status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		return NewTransientError(fmt.Errorf("gateway error (%d): %s", status, snippet))
	case status >= 500:
		return NewTransientError(fmt.Errorf("server error (%d): %s", status, snippet))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewFatalError(fmt.Errorf("authentication failed (%d): %s", status, snippet))
	case status == http.StatusBadRequest:
		return NewFatalError(fmt.Errorf("bad request (400): %s", snippet))
	default:
		return NewFatalError(fmt.Errorf("unexpected status %d: %s", status, snippet))
	}
}

// parseAndValidate extracts, parses, and schema-checks a JSON-mode
// response. Returns the cleaned raw bytes on success.
func parseAndValidate(text string, schema *Schema) ([]byte, error) {
	raw := ExtractJSON(text)

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func correctiveTurn(verr error) string {
	return fmt.Sprintf("Your previous response was not valid JSON for the expected schema: %v. "+
		"Respond again with ONLY a valid JSON object matching the schema. No prose, no markdown fences.", verr)
}
