// Package llm is the single gateway for all model calls. It owns the
// concurrency limit, per-call timeouts, transport retries, token
// accounting, and strict-JSON response validation against declared schemas.
package llm

import (
	"errors"
	"fmt"
)

// ErrAdmissionTimeout is returned when a call waited the full admission
// window without obtaining a concurrency slot.
var ErrAdmissionTimeout = errors.New("llm concurrency limit reached")

// TransientError marks a transport failure that may succeed on retry
// (rate limits, gateway errors, connection failures).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// FatalError marks a failure that retrying cannot fix (auth, malformed
// request, unsupported model).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// IsTransient checks if an error chain contains a transient error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal checks if an error chain contains a fatal error.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ContextOverflowError reports a call that cannot fit in the model context.
type ContextOverflowError struct {
	EstimatedPrompt int
	MaxTokens       int
	ContextWindow   int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("prompt (%d tokens est.) + max_tokens (%d) exceeds context window (%d)",
		e.EstimatedPrompt, e.MaxTokens, e.ContextWindow)
}

// IsContextOverflow checks if an error chain contains a context overflow.
func IsContextOverflow(err error) bool {
	var ce *ContextOverflowError
	return errors.As(err, &ce)
}

// ProtocolError reports a response that stayed non-JSON or schema-invalid
// after the one corrective retry.
type ProtocolError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("response violated schema %q: %v", e.Schema, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError checks if an error chain contains a protocol error.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
