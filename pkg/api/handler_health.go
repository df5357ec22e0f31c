package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only OpsConductor's own components (trace storage, cache backend) are
// checked. External dependencies (LLM backend, Asset and Automation
// services) are excluded so the orchestrator platform does not restart the
// process when an external service is unhealthy.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.store != nil {
		if _, err := s.store.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["storage"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["storage"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	// A down cache degrades the pipeline to uncached operation; it is never
	// fatal to the process.
	cacheHealth := s.cache.Health(reqCtx)
	switch {
	case cacheHealth.RedisOK:
		checks["cache"] = HealthCheck{Status: healthStatusHealthy}
	case cacheHealth.OK:
		checks["cache"] = HealthCheck{Status: healthStatusHealthy, Message: "no redis backend configured"}
	default:
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["cache"] = HealthCheck{Status: healthStatusDegraded, Message: "redis unreachable"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
