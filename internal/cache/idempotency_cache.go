package cache

import (
	"log/slog"
	"sync"
	"time"
)

// cacheEntry holds an accepted operation id with its expiration time
type cacheEntry struct {
	OperationID string
	ExpiresAt   time.Time
}

// IdempotencyCache maps submission idempotency keys to the operation ids they
// originally produced, so duplicate submissions return the first operation
// instead of spawning a second pipeline. Entries expire after the TTL and are
// removed by a background cleanup.
type IdempotencyCache struct {
	items         map[string]cacheEntry
	mutex         sync.RWMutex
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewIdempotencyCache creates a cache with the specified TTL and cleanup interval
func NewIdempotencyCache(ttl, cleanupInterval time.Duration) *IdempotencyCache {
	cache := &IdempotencyCache{
		items:       make(map[string]cacheEntry),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	cache.cleanupTicker = time.NewTicker(cleanupInterval)
	go cache.cleanupExpiredEntries()

	slog.Info("Idempotency cache initialized",
		"ttl", ttl.String(),
		"cleanup_interval", cleanupInterval.String())

	return cache
}

// Remember stores the operation id for an idempotency key
func (c *IdempotencyCache) Remember(key, operationID string) {
	if key == "" {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = cacheEntry{
		OperationID: operationID,
		ExpiresAt:   time.Now().Add(c.ttl),
	}
}

// Lookup returns the operation id previously stored for the key, if any
func (c *IdempotencyCache) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || time.Now().After(entry.ExpiresAt) {
		return "", false
	}

	slog.Debug("Idempotent submission detected", "idempotency_key", key, "operation_id", entry.OperationID)
	return entry.OperationID, true
}

// ActiveSize returns the number of non-expired entries
func (c *IdempotencyCache) ActiveSize() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	count := 0
	for _, entry := range c.items {
		if now.Before(entry.ExpiresAt) {
			count++
		}
	}
	return count
}

// Stop stops the cleanup goroutine
func (c *IdempotencyCache) Stop() {
	c.cleanupTicker.Stop()
	close(c.stopCleanup)
}

// cleanupExpiredEntries runs periodically to remove expired entries
func (c *IdempotencyCache) cleanupExpiredEntries() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.performCleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// performCleanup removes expired entries from the cache
func (c *IdempotencyCache) performCleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.items {
		if now.After(entry.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Idempotency cache cleanup completed",
			"expired_entries", removed,
			"remaining_entries", len(c.items))
	}
}
