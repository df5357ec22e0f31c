package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
)

// statusClientClosedRequest is the nginx convention for a request cancelled
// before completion; net/http defines no constant for it.
const statusClientClosedRequest = 499

// statusForKind maps the pipeline error taxonomy to HTTP status codes.
func statusForKind(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindTimeout:
		return http.StatusRequestTimeout
	case pipeline.KindApprovalRequired:
		return http.StatusConflict
	case pipeline.KindOverloaded:
		return http.StatusTooManyRequests
	case pipeline.KindLLMUnavailable, pipeline.KindUpstream:
		return http.StatusServiceUnavailable
	case pipeline.KindCancelled:
		return statusClientClosedRequest
	default:
		// LLMProtocolError, ContextOverflow, PlanInvalid: the caller's
		// request was fine, the pipeline could not honor it.
		return http.StatusInternalServerError
	}
}

// respondPipelineError renders err as the error envelope. requestID is the
// fallback when the error itself is not tagged with one (ingress validation
// fails before a request exists).
func (s *Server) respondPipelineError(c *echo.Context, requestID string, err error) error {
	pe, ok := pipeline.AsError(err)
	if !ok {
		s.logger.Error("Unexpected pipeline error", "request_id", requestID, "error", err)
		pe = &pipeline.Error{Kind: "InternalError", Message: "internal server error"}
	}
	if pe.RequestID != "" {
		requestID = pe.RequestID
	}

	return c.JSON(statusForKind(pe.Kind), &ErrorEnvelope{
		Error: ErrorBody{
			Kind:        string(pe.Kind),
			Message:     pe.Message,
			Stage:       string(pe.Stage),
			Retriable:   pe.Retriable,
			ResumeToken: pe.ResumeToken,
		},
		RequestID: requestID,
	})
}

// mapCacheError converts cache management failures to echo errors.
func (s *Server) mapCacheError(err error) *echo.HTTPError {
	if errors.Is(err, cache.ErrNoRedis) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no redis backend configured")
	}
	s.logger.Error("Cache operation failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "cache operation failed")
}
