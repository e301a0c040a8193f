package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyCache_RememberAndLookup(t *testing.T) {
	cache := NewIdempotencyCache(time.Minute, time.Minute)
	defer cache.Stop()

	cache.Remember("req-1", "op-abc")

	opID, found := cache.Lookup("req-1")
	assert.True(t, found)
	assert.Equal(t, "op-abc", opID)

	_, found = cache.Lookup("req-2")
	assert.False(t, found)
}

func TestIdempotencyCache_EmptyKeyIsIgnored(t *testing.T) {
	cache := NewIdempotencyCache(time.Minute, time.Minute)
	defer cache.Stop()

	cache.Remember("", "op-abc")

	_, found := cache.Lookup("")
	assert.False(t, found)
	assert.Equal(t, 0, cache.ActiveSize())
}

func TestIdempotencyCache_EntriesExpire(t *testing.T) {
	cache := NewIdempotencyCache(20*time.Millisecond, time.Minute)
	defer cache.Stop()

	cache.Remember("req-1", "op-abc")
	_, found := cache.Lookup("req-1")
	assert.True(t, found)

	time.Sleep(40 * time.Millisecond)

	_, found = cache.Lookup("req-1")
	assert.False(t, found)
	assert.Equal(t, 0, cache.ActiveSize())
}

func TestIdempotencyCache_CleanupRemovesExpiredEntries(t *testing.T) {
	cache := NewIdempotencyCache(10*time.Millisecond, 20*time.Millisecond)
	defer cache.Stop()

	cache.Remember("req-1", "op-abc")
	cache.Remember("req-2", "op-def")

	assert.Eventually(t, func() bool {
		cache.mutex.RLock()
		defer cache.mutex.RUnlock()
		return len(cache.items) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIdempotencyCache_LatestWriteWins(t *testing.T) {
	cache := NewIdempotencyCache(time.Minute, time.Minute)
	defer cache.Stop()

	cache.Remember("req-1", "op-abc")
	cache.Remember("req-1", "op-def")

	opID, found := cache.Lookup("req-1")
	assert.True(t, found)
	assert.Equal(t, "op-def", opID)
	assert.Equal(t, 1, cache.ActiveSize())
}
