package api

// PipelineRequest is the HTTP request body for POST /pipeline.
type PipelineRequest struct {
	// Request is the free-text operator request, 1..8192 bytes.
	Request   string `json:"request"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// DeadlineMS distinguishes "absent" (server default applies) from an
	// explicitly supplied value, which must be positive.
	DeadlineMS *int64 `json:"deadline_ms,omitempty"`
}

// ResumeRequest is the HTTP request body for POST /pipeline/resume.
type ResumeRequest struct {
	RequestID     string `json:"request_id"`
	ApprovalToken string `json:"approval_token"`
}
