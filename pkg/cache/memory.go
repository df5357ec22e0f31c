package cache

import (
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/pkg/models"
)

type assetEntry struct {
	asset     *models.AssetContext
	storedAt  time.Time
	expiresAt time.Time
}

// AssetL1 is the in-process tier of the asset-context cache: TTL-bounded
// with a soft size cap. Expired entries are cleaned up lazily on Get();
// no background goroutine. Values are deep-copied both ways so callers
// never share storage.
type AssetL1 struct {
	mu         sync.RWMutex
	entries    map[string]*assetEntry
	ttl        time.Duration
	maxEntries int
}

// NewAssetL1 creates the in-process tier. maxEntries <= 0 means uncapped.
func NewAssetL1(ttl time.Duration, maxEntries int) *AssetL1 {
	return &AssetL1{
		entries:    make(map[string]*assetEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns a copy of the cached asset if present and not expired.
func (c *AssetL1) Get(key string) (*models.AssetContext, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		// Expired; clean up lazily.
		// Re-check under write lock: a concurrent Set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.asset.Clone(), true
}

// Set stores a copy of the asset. At the size cap the oldest entry is
// evicted first. Nil assets are ignored.
func (c *AssetL1) Set(key string, asset *models.AssetContext) {
	if asset == nil {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = &assetEntry{
		asset:     asset.Clone(),
		storedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
}

// Delete removes an entry.
func (c *AssetL1) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *AssetL1) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*assetEntry)
	c.mu.Unlock()
}

// Len returns the live entry count, expired entries included until their
// lazy cleanup.
func (c *AssetL1) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldestLocked removes the entry with the earliest storedAt.
// Callers hold the write lock.
func (c *AssetL1) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
