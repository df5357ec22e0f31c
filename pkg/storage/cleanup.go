package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/opsconductor/opsconductor/pkg/config"
)

const (
	defaultRetentionDays   = 30
	defaultCleanupInterval = time.Hour
)

// Cleaner periodically removes traces past the retention window. Deletes
// are idempotent and safe to run from multiple replicas; stage artifacts
// cascade with their request row.
type Cleaner struct {
	db     *sql.DB
	cfg    *config.StorageConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner creates the retention worker.
func NewCleaner(store *Store, cfg *config.StorageConfig) *Cleaner {
	return &Cleaner{
		db:     store.db,
		cfg:    cfg,
		logger: slog.Default().With("component", "retention"),
	}
}

// Start launches the background retention loop.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	c.logger.Info("Retention loop started",
		"retention_days", c.retentionDays(),
		"interval", c.interval())
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.logger.Info("Retention loop stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)

	c.sweep(ctx)

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep removes finished traces past retention, abandoned rows that never
// reached a terminal state, and aged model call records.
func (c *Cleaner) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays())

	c.purge(ctx, "finished requests",
		`DELETE FROM pipeline_requests WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	c.purge(ctx, "abandoned requests",
		`DELETE FROM pipeline_requests WHERE finished_at IS NULL AND received_at < $1`, cutoff)
	c.purge(ctx, "llm interactions",
		`DELETE FROM llm_interactions WHERE created_at < $1`, cutoff)
}

func (c *Cleaner) purge(ctx context.Context, target, query string, cutoff time.Time) {
	res, err := c.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		c.logger.Error("Retention sweep failed", "target", target, "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		c.logger.Info("Retention sweep removed rows", "target", target, "count", n)
	}
}

func (c *Cleaner) retentionDays() int {
	if c.cfg.RetentionDays > 0 {
		return c.cfg.RetentionDays
	}
	return defaultRetentionDays
}

func (c *Cleaner) interval() time.Duration {
	if c.cfg.CleanupInterval > 0 {
		return c.cfg.CleanupInterval
	}
	return defaultCleanupInterval
}
