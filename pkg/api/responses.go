package api

import (
	"github.com/opsconductor/opsconductor/pkg/storage"
)

// ErrorBody is the typed failure description inside the error envelope.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retriable bool   `json:"retriable"`
	// ResumeToken is present only for ApprovalRequired; presenting it to
	// POST /pipeline/resume continues the parked request.
	ResumeToken string `json:"resume_token,omitempty"`
}

// ErrorEnvelope is the error response body of the pipeline endpoints.
type ErrorEnvelope struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

// CancelResponse is returned by POST /pipeline/:id/cancel.
type CancelResponse struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// InvalidateResponse is returned by the cache invalidation endpoints.
type InvalidateResponse struct {
	InvalidatedCount int `json:"invalidated_count"`
}

// ListRequestsResponse is returned by GET /api/v1/requests.
type ListRequestsResponse struct {
	Requests []storage.RequestSummary `json:"requests"`
}

// HealthCheck is one subsystem's slice of the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
