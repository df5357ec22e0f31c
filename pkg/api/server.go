// Package api is the HTTP ingress: pipeline submission and resume, request
// cancellation, cache management, persisted trace reads, and health. Pipeline
// endpoints answer errors with the typed envelope
// {error:{kind,message,stage,retriable},request_id}; management endpoints use
// plain echo errors.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/pipeline"
	"github.com/opsconductor/opsconductor/pkg/storage"
)

// Server owns the echo instance and the handlers' collaborators.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg   *config.Config
	orch  *pipeline.Orchestrator
	cache *cache.Manager

	// store and traces are nil when trace persistence is disabled; the
	// trace endpoints answer 503 and /health skips the storage check.
	store  *storage.Store
	traces *storage.TraceStore

	logger *slog.Logger
}

// NewServer wires middleware and routes. The server is ready to Start.
func NewServer(cfg *config.Config, orch *pipeline.Orchestrator, cacheMgr *cache.Manager, store *storage.Store, traces *storage.TraceStore) *Server {
	s := &Server{
		echo:   echo.New(),
		cfg:    cfg,
		orch:   orch,
		cache:  cacheMgr,
		store:  store,
		traces: traces,
		logger: slog.Default().With("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.requestLogger())
	e.Use(bodyLimit(maxBodyBytes))

	e.GET("/health", s.healthHandler)

	e.POST("/pipeline", s.submitPipelineHandler)
	e.POST("/pipeline/resume", s.resumePipelineHandler)
	e.POST("/pipeline/:id/cancel", s.cancelPipelineHandler)

	v1 := e.Group("/api/v1")

	cacheAPI := v1.Group("/cache", s.requireCacheToken())
	cacheAPI.GET("/stats", s.cacheStatsHandler)
	cacheAPI.GET("/health", s.cacheHealthHandler)
	cacheAPI.POST("/invalidate", s.cacheInvalidateHandler)
	cacheAPI.POST("/invalidate/all", s.cacheInvalidateAllHandler)
	cacheAPI.POST("/invalidate/stage/:stage", s.cacheInvalidateStageHandler)

	v1.GET("/requests", s.listRequestsHandler)
	v1.GET("/requests/:id", s.getRequestHandler)
}

// Start serves on addr until Shutdown or a listener failure. A clean
// Shutdown surfaces as http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeHTTP dispatches through the full middleware chain. Exposed for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
