// Package pipeline implements the four-stage decision pipeline: classify,
// select, plan, answer, with an orthogonal execution bridge. The
// Orchestrator owns request lifecycle, stage budgets, caching, and the
// typed error surface.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// ErrorKind identifies one failure class of the pipeline error taxonomy.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindLLMUnavailable   ErrorKind = "LLMUnavailable"
	KindLLMProtocol      ErrorKind = "LLMProtocolError"
	KindContextOverflow  ErrorKind = "ContextOverflow"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
	KindUpstream         ErrorKind = "UpstreamUnavailable"
	KindPlanInvalid      ErrorKind = "PlanInvalid"
	KindApprovalRequired ErrorKind = "ApprovalRequired"
	KindOverloaded       ErrorKind = "Overloaded"
)

// Error is the typed error every stage returns to the Orchestrator and the
// Orchestrator returns to the API layer. Stage is set when the failure is
// attributable to a single stage. Retriable mirrors what callers may safely
// retry without changing the request.
type Error struct {
	Kind      ErrorKind
	Stage     models.Stage
	Message   string
	Retriable bool
	// ResumeToken is only set for ApprovalRequired: presenting it to
	// /pipeline/resume continues the request from the executing state.
	ResumeToken string
	// RequestID ties the error to the originating request for logging and
	// the HTTP error envelope.
	RequestID string

	wrapped error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithStage returns a copy tagged with the stage that failed.
func (e *Error) WithStage(stage models.Stage) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// WithRequest returns a copy tagged with the originating request id.
func (e *Error) WithRequest(requestID string) *Error {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// NewValidationError reports malformed caller input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewLLMUnavailable reports a transport or health failure on an
// LLM-mandatory call. Retriable: the backend may recover.
func NewLLMUnavailable(cause error) *Error {
	return &Error{
		Kind:      KindLLMUnavailable,
		Message:   "LLM backend unavailable",
		Retriable: true,
		wrapped:   cause,
	}
}

// NewLLMProtocolError reports a response that stayed malformed after the
// corrective retry.
func NewLLMProtocolError(cause error) *Error {
	return &Error{
		Kind:    KindLLMProtocol,
		Message: "LLM response violated the expected schema",
		wrapped: cause,
	}
}

// NewContextOverflow reports a call whose prompt plus completion budget
// exceeds the model context window.
func NewContextOverflow(estimated, maxTokens, window int) *Error {
	return &Error{
		Kind: KindContextOverflow,
		Message: fmt.Sprintf("prompt (%d tokens est.) + max_tokens (%d) exceeds context window (%d)",
			estimated, maxTokens, window),
	}
}

// NewTimeout reports a stage deadline hit.
func NewTimeout(stage models.Stage) *Error {
	return &Error{
		Kind:      KindTimeout,
		Stage:     stage,
		Message:   fmt.Sprintf("deadline exceeded in %s", stage),
		Retriable: true,
	}
}

// NewCancelled reports cooperative cancellation of the request.
func NewCancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled"}
}

// NewUpstreamUnavailable reports a transport failure against the Asset or
// Automation service.
func NewUpstreamUnavailable(service string, cause error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Message: fmt.Sprintf("%s service unavailable", service),
		wrapped: cause,
	}
}

// NewPlanInvalid reports the first plan validation rule that failed.
func NewPlanInvalid(rule string, stepIDs []string) *Error {
	msg := rule
	if len(stepIDs) > 0 {
		msg = fmt.Sprintf("%s (steps %v)", rule, stepIDs)
	}
	return &Error{Kind: KindPlanInvalid, Stage: models.StagePlan, Message: msg}
}

// NewApprovalRequired reports that execution is gated; the caller resumes
// with the embedded token.
func NewApprovalRequired(requestID, token string) *Error {
	return &Error{
		Kind:        KindApprovalRequired,
		Message:     "plan requires approval before execution",
		ResumeToken: token,
		RequestID:   requestID,
	}
}

// NewOverloaded reports admission rejection under load.
func NewOverloaded() *Error {
	return &Error{
		Kind:      KindOverloaded,
		Message:   "pipeline at capacity, retry later",
		Retriable: true,
	}
}

// AsError extracts the typed pipeline error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// KindOf returns the error kind, or empty string for untyped errors.
func KindOf(err error) ErrorKind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}

// IsKind checks whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
