package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/storage"
)

// listRequestsHandler handles GET /api/v1/requests.
// Query parameters: state (optional filter), limit (default 50, max 500),
// offset (default 0). Rows come back newest first.
func (s *Server) listRequestsHandler(c *echo.Context) error {
	if s.traces == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace persistence not configured")
	}

	state := c.QueryParam("state")
	if state != "" && !models.RequestState(state).IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state: "+state)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		offset = n
	}

	rows, err := s.traces.ListRequests(c.Request().Context(), state, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list requests", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list requests")
	}
	return c.JSON(http.StatusOK, &ListRequestsResponse{Requests: rows})
}

// getRequestHandler handles GET /api/v1/requests/:id. The detail includes
// the persisted response, stage artifacts, and LLM interactions.
func (s *Server) getRequestHandler(c *echo.Context) error {
	if s.traces == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace persistence not configured")
	}

	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request id is required")
	}

	detail, err := s.traces.GetRequest(c.Request().Context(), requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	if err != nil {
		s.logger.Error("Failed to load request trace", "request_id", requestID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load request")
	}
	return c.JSON(http.StatusOK, detail)
}
