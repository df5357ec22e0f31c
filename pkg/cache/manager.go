package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsconductor/opsconductor/pkg/config"
)

const scanBatch = 100

// ErrNoRedis is returned by management operations when no Redis backend
// is configured.
var ErrNoRedis = errors.New("no redis backend configured")

type nsCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NamespaceStats is the per-namespace slice of cache statistics.
type NamespaceStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Stats summarizes cache effectiveness since process start.
type Stats struct {
	Enabled        bool                      `json:"enabled"`
	Connected      bool                      `json:"connected"`
	Hits           uint64                    `json:"hits"`
	Misses         uint64                    `json:"misses"`
	HitRatePercent float64                   `json:"hit_rate_percent"`
	ByNamespace    map[string]NamespaceStats `json:"by_namespace"`
}

// Health reports backend reachability.
type Health struct {
	OK        bool  `json:"ok"`
	RedisOK   bool  `json:"redis_ok"`
	LatencyMS int64 `json:"latency_ms"`
}

// Manager owns the Redis connection and the namespaced stage/tool caches.
// Read and write paths are miss-and-log: a broken backend degrades the
// pipeline to uncached operation, never to failure.
type Manager struct {
	cfg    *config.CacheConfig
	client *redis.Client
	logger *slog.Logger
	stats  map[string]*nsCounters
}

// NewManager connects to Redis when a URL is configured. An unreachable
// backend is logged and tolerated; operations degrade to misses until it
// recovers. A malformed URL is a configuration error and fails.
func NewManager(ctx context.Context, cfg *config.CacheConfig) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default().With("component", "cache"),
		stats:  make(map[string]*nsCounters, len(Namespaces)),
	}
	for _, ns := range Namespaces {
		m.stats[ns] = &nsCounters{}
	}

	if cfg.RedisURL == "" {
		m.logger.Info("No Redis URL configured, caching disabled")
		return m, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	m.client = redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.logger.Warn("Redis unreachable at startup, operating in degraded mode",
			"addr", opt.Addr,
			"error", err)
	} else {
		m.logger.Info("Cache connected", "addr", opt.Addr, "enabled", cfg.IsEnabled())
	}
	return m, nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Enabled reports whether caching is switched on. Callers owning their own
// in-process tiers honor the same flag.
func (m *Manager) Enabled() bool {
	return m.cfg.IsEnabled()
}

// caching reports whether stage/tool cache reads and writes are active.
func (m *Manager) caching() bool {
	return m.client != nil && m.cfg.IsEnabled()
}

// Get reads a cached value into dest. Returns false on miss, disabled
// cache, or any backend/decode failure. The JSON round trip guarantees
// callers receive a private copy.
func (m *Manager) Get(ctx context.Context, namespace, key string, dest any) bool {
	if !m.caching() {
		return false
	}

	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		m.miss(namespace)
		return false
	}
	if err != nil {
		m.logger.Warn("Cache read failed", "namespace", namespace, "error", err)
		m.miss(namespace)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		m.logger.Warn("Cached value undecodable, treating as miss",
			"namespace", namespace,
			"key", key,
			"error", err)
		m.miss(namespace)
		return false
	}

	m.hit(namespace)
	return true
}

// Set writes a value under the namespace TTL. Failures are logged only.
func (m *Manager) Set(ctx context.Context, namespace, key string, value any) {
	if !m.caching() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("Cache value not serializable", "namespace", namespace, "error", err)
		return
	}
	if err := m.client.Set(ctx, key, data, m.cfg.TTL(namespace)).Err(); err != nil {
		m.logger.Warn("Cache write failed", "namespace", namespace, "error", err)
	}
}

// GetRaw reads a non-cache key (pending-approval artifacts) and reports
// errors to the caller. Unlike Get it is unaffected by CACHE_ENABLED.
func (m *Manager) GetRaw(ctx context.Context, key string, dest any) (bool, error) {
	if m.client == nil {
		return false, ErrNoRedis
	}
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetRaw writes a non-cache key with an explicit TTL.
func (m *Manager) SetRaw(ctx context.Context, key string, value any, ttl time.Duration) error {
	if m.client == nil {
		return ErrNoRedis
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeleteRaw removes a non-cache key.
func (m *Manager) DeleteRaw(ctx context.Context, key string) error {
	if m.client == nil {
		return ErrNoRedis
	}
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes keys matching a glob pattern and returns the count.
// Patterns are scoped under the process key prefix; "stage_a:*" and
// "opsconductor:stage_a:*" are equivalent.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	if m.client == nil {
		return 0, ErrNoRedis
	}
	if !strings.HasPrefix(pattern, KeyPrefix+":") {
		pattern = KeyPrefix + ":" + pattern
	}

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := m.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete %q: %w", pattern, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	m.logger.Info("Cache invalidated", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}

// InvalidateStage clears one stage namespace.
func (m *Manager) InvalidateStage(ctx context.Context, stage string) (int, error) {
	switch stage {
	case NamespaceStageA, NamespaceStageB, NamespaceStageC:
		return m.Invalidate(ctx, stage+":*")
	default:
		return 0, fmt.Errorf("unknown stage namespace %q", stage)
	}
}

// InvalidateAll clears every namespace under the process prefix,
// including tool and asset entries. Pending-approval artifacts survive.
func (m *Manager) InvalidateAll(ctx context.Context) (int, error) {
	total := 0
	for _, ns := range Namespaces {
		n, err := m.Invalidate(ctx, ns+":*")
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats snapshots hit/miss counters and current connectivity.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Enabled:     m.cfg.IsEnabled(),
		ByNamespace: make(map[string]NamespaceStats, len(m.stats)),
	}
	for ns, c := range m.stats {
		hits, misses := c.hits.Load(), c.misses.Load()
		s.ByNamespace[ns] = NamespaceStats{Hits: hits, Misses: misses}
		s.Hits += hits
		s.Misses += misses
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatePercent = float64(s.Hits) / float64(total) * 100
	}
	if m.client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		s.Connected = m.client.Ping(pingCtx).Err() == nil
	}
	return s
}

// Health pings the backend and reports latency.
func (m *Manager) Health(ctx context.Context) Health {
	if m.client == nil {
		return Health{OK: true, RedisOK: false}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := m.client.Ping(pingCtx).Err()
	latency := time.Since(start).Milliseconds()

	return Health{OK: err == nil, RedisOK: err == nil, LatencyMS: latency}
}

func (m *Manager) hit(namespace string) {
	if c, ok := m.stats[namespace]; ok {
		c.hits.Add(1)
	}
}

func (m *Manager) miss(namespace string) {
	if c, ok := m.stats[namespace]; ok {
		c.misses.Add(1)
	}
}
