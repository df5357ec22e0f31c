// Package models defines the typed artifacts exchanged between pipeline
// stages: Request, Decision, ToolSelection, Plan, ToolResult, and Response.
// Artifacts are immutable once emitted; later stages consume earlier
// artifacts by value and never mutate them.
package models

import "time"

// MaxRequestTextBytes is the upper bound on the free-text request body.
const MaxRequestTextBytes = 8192

// Request is the immutable envelope a pipeline run operates on.
type Request struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	Deadline   time.Time `json:"deadline"`
}

// RequestState is the lifecycle state of a pipeline request.
type RequestState string

const (
	StateReceived         RequestState = "received"
	StateClassifying      RequestState = "classifying"
	StateSelecting        RequestState = "selecting"
	StatePlanning         RequestState = "planning"
	StateAwaitingApproval RequestState = "awaiting_approval"
	StateExecuting        RequestState = "executing"
	StateAnswering        RequestState = "answering"
	StateDone             RequestState = "done"
	StateFailed           RequestState = "failed"
	StateCancelled        RequestState = "cancelled"
)

// IsValid checks if the request state is valid.
func (s RequestState) IsValid() bool {
	switch s {
	case StateReceived, StateClassifying, StateSelecting, StatePlanning,
		StateAwaitingApproval, StateExecuting, StateAnswering,
		StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state ends the request lifecycle.
func (s RequestState) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Stage names a pipeline stage for timings, errors, and cache namespaces.
type Stage string

const (
	StageClassify Stage = "stage_a"
	StageSelect   Stage = "stage_b"
	StagePlan     Stage = "stage_c"
	StageAnswer   Stage = "stage_d"
	StageExecute  Stage = "stage_e"
)
