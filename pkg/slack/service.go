package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// maxTrackedThreads bounds the approval-thread map. Approvals that never
// resume would otherwise leak entries; at the cap an arbitrary entry is
// dropped and its terminal message posts unthreaded.
const maxTrackedThreads = 1024

// Service handles Slack notification delivery for the pipeline.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	client       *Client
	masker       *masking.Service
	dashboardURL string
	logger       *slog.Logger

	// threads remembers the approval message per request so the terminal
	// notification lands in the same thread.
	mu      sync.Mutex
	threads map[string]string
}

// NewService creates the notification service. Returns nil when token or
// channel is unset.
func NewService(cfg *config.SlackConfig, masker *masking.Service) *Service {
	if cfg == nil || cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		masker:       masker,
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threads:      make(map[string]string),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, masker *masking.Service, dashboardURL string) *Service {
	return &Service{
		client:       client,
		masker:       masker,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threads:      make(map[string]string),
	}
}

// NotifyApprovalRequired posts the approval request with its resume token.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyApprovalRequired(ctx context.Context, req *models.Request, decision *models.Decision, resumeToken string) {
	if s == nil {
		return
	}

	blocks := BuildApprovalMessage(req.RequestID, s.masker.MaskText(req.Text), decision, resumeToken, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send Slack approval notification",
			"request_id", req.RequestID,
			"error", err)
		return
	}
	s.rememberThread(req.RequestID, ts)
}

// NotifyFinished posts a terminal state notification, threaded under the
// approval message when one was sent. Fail-open: errors are logged, never
// returned.
func (s *Service) NotifyFinished(ctx context.Context, req *models.Request, state models.RequestState, summary string) {
	if s == nil {
		return
	}

	threadTS := s.takeThread(req.RequestID)
	blocks := BuildFinishedMessage(req.RequestID, state, s.masker.MaskText(summary), s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"request_id", req.RequestID,
			"state", state,
			"error", err)
	}
}

func (s *Service) rememberThread(requestID, ts string) {
	if ts == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.threads) >= maxTrackedThreads {
		for k := range s.threads {
			delete(s.threads, k)
			break
		}
	}
	s.threads[requestID] = ts
}

func (s *Service) takeThread(requestID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.threads[requestID]
	delete(s.threads, requestID)
	return ts
}
