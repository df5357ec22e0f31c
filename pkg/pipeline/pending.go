package pipeline

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// PendingRecord holds everything needed to resume a request that stopped at
// an approval gate: the artifacts produced so far plus the token the
// approver must present. Records live in Redis under the approval window
// TTL; an expired record means the approval lapsed.
type PendingRecord struct {
	Request   *models.Request       `json:"request"`
	Decision  *models.Decision      `json:"decision"`
	Selection *models.ToolSelection `json:"selection"`
	Plan      *models.Plan          `json:"plan"`

	ResumeToken string            `json:"resume_token"`
	CacheHits   models.CacheHits  `json:"cache_hits"`
	Usage       models.TokenUsage `json:"usage"`
	CreatedAt   time.Time         `json:"created_at"`
}

// PendingStore persists awaiting-approval requests in Redis so a resume can
// land on any instance.
type PendingStore struct {
	cache  *cache.Manager
	window time.Duration
	logger *slog.Logger
}

// NewPendingStore creates the store with the configured approval window.
func NewPendingStore(mgr *cache.Manager, cfg *config.PipelineConfig) *PendingStore {
	return &PendingStore{
		cache:  mgr,
		window: cfg.ApprovalWindow(),
		logger: slog.Default().With("component", "pending_store"),
	}
}

// Save persists the record under a fresh resume token and returns the
// token. The plan must already carry step-instance ids so a later resume
// replays the exact plan the approver saw.
func (s *PendingStore) Save(ctx context.Context, rec *PendingRecord) (string, error) {
	rec.ResumeToken = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()

	key := cache.PendingKey(rec.Request.RequestID)
	if err := s.cache.SetRaw(ctx, key, rec, s.window); err != nil {
		return "", fmt.Errorf("persist pending approval for %s: %w", rec.Request.RequestID, err)
	}

	s.logger.Info("Request parked for approval",
		"request_id", rec.Request.RequestID,
		"window", s.window)
	return rec.ResumeToken, nil
}

// Load fetches the record and validates the presented token in constant
// time. A missing record (never parked, expired, or already consumed) and
// a bad token are both reported as a validation failure so callers cannot
// probe which of the two happened.
func (s *PendingStore) Load(ctx context.Context, requestID, token string) (*PendingRecord, error) {
	var rec PendingRecord
	found, err := s.cache.GetRaw(ctx, cache.PendingKey(requestID), &rec)
	if err != nil {
		return nil, fmt.Errorf("load pending approval for %s: %w", requestID, err)
	}
	if !found || !tokenMatches(rec.ResumeToken, token) {
		return nil, NewValidationError("no pending approval matches request %s and the presented token", requestID).WithRequest(requestID)
	}
	return &rec, nil
}

// Delete consumes the record after a resume or an explicit cancel.
// Deleting an absent record is not an error.
func (s *PendingStore) Delete(ctx context.Context, requestID string) error {
	return s.cache.DeleteRaw(ctx, cache.PendingKey(requestID))
}

func tokenMatches(expected, presented string) bool {
	if expected == "" || len(expected) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
