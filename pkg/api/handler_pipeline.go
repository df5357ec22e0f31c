package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
)

// submitPipelineHandler handles POST /pipeline. The call is synchronous: the
// pipeline runs to a terminal state and the full Response is the body. A
// parked approval surfaces as 409 with the resume token in the envelope.
func (s *Server) submitPipelineHandler(c *echo.Context) error {
	requestID := uuid.NewString()

	var body PipelineRequest
	if err := c.Bind(&body); err != nil {
		return s.respondPipelineError(c, requestID, pipeline.NewValidationError("malformed request body"))
	}

	now := time.Now().UTC()
	req := &models.Request{
		RequestID:  requestID,
		UserID:     body.UserID,
		SessionID:  body.SessionID,
		Text:       body.Request,
		ReceivedAt: now,
	}
	if req.UserID == "" {
		req.UserID = extractUser(c)
	}
	if body.DeadlineMS != nil {
		if *body.DeadlineMS <= 0 {
			return s.respondPipelineError(c, requestID,
				pipeline.NewValidationError("deadline_ms must be positive"))
		}
		req.Deadline = now.Add(time.Duration(*body.DeadlineMS) * time.Millisecond)
	}

	resp, err := s.orch.Execute(c.Request().Context(), req)
	if err != nil {
		return s.respondPipelineError(c, requestID, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// resumePipelineHandler handles POST /pipeline/resume. Tokens are single
// use; a second presentation is indistinguishable from an unknown one.
func (s *Server) resumePipelineHandler(c *echo.Context) error {
	var body ResumeRequest
	if err := c.Bind(&body); err != nil {
		return s.respondPipelineError(c, "", pipeline.NewValidationError("malformed request body"))
	}
	if body.RequestID == "" || body.ApprovalToken == "" {
		return s.respondPipelineError(c, body.RequestID,
			pipeline.NewValidationError("request_id and approval_token are required"))
	}

	resp, err := s.orch.Resume(c.Request().Context(), body.RequestID, body.ApprovalToken)
	if err != nil {
		return s.respondPipelineError(c, body.RequestID, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// cancelPipelineHandler handles POST /pipeline/:id/cancel.
func (s *Server) cancelPipelineHandler(c *echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request id is required")
	}

	if !s.orch.Cancel(requestID) {
		return echo.NewHTTPError(http.StatusNotFound, "no active request with that id")
	}

	s.logger.Info("Request cancellation requested", "request_id", requestID)
	return c.JSON(http.StatusOK, &CancelResponse{
		RequestID: requestID,
		Message:   "Request cancellation requested",
	})
}
