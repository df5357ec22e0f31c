package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/cache"
)

// cacheStatsHandler handles GET /api/v1/cache/stats.
func (s *Server) cacheStatsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Stats(c.Request().Context()))
}

// cacheHealthHandler handles GET /api/v1/cache/health. Always 200: a cache
// that is down degrades the pipeline, it does not break the endpoint.
func (s *Server) cacheHealthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.Health(c.Request().Context()))
}

// cacheInvalidateHandler handles POST /api/v1/cache/invalidate?pattern=<glob>.
func (s *Server) cacheInvalidateHandler(c *echo.Context) error {
	pattern := c.QueryParam("pattern")
	if pattern == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pattern query parameter is required")
	}

	n, err := s.cache.Invalidate(c.Request().Context(), pattern)
	if err != nil {
		return s.mapCacheError(err)
	}
	return c.JSON(http.StatusOK, &InvalidateResponse{InvalidatedCount: n})
}

// cacheInvalidateAllHandler handles POST /api/v1/cache/invalidate/all.
// Pending-approval artifacts survive; only stage, tool, and asset entries go.
func (s *Server) cacheInvalidateAllHandler(c *echo.Context) error {
	n, err := s.cache.InvalidateAll(c.Request().Context())
	if err != nil {
		return s.mapCacheError(err)
	}
	return c.JSON(http.StatusOK, &InvalidateResponse{InvalidatedCount: n})
}

// cacheInvalidateStageHandler handles POST /api/v1/cache/invalidate/stage/:stage
// for stage_a, stage_b, and stage_c.
func (s *Server) cacheInvalidateStageHandler(c *echo.Context) error {
	stage := c.Param("stage")
	switch stage {
	case cache.NamespaceStageA, cache.NamespaceStageB, cache.NamespaceStageC:
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			"stage must be stage_a, stage_b, or stage_c")
	}

	n, err := s.cache.InvalidateStage(c.Request().Context(), stage)
	if err != nil {
		return s.mapCacheError(err)
	}
	return c.JSON(http.StatusOK, &InvalidateResponse{InvalidatedCount: n})
}
