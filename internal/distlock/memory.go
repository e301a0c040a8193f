package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-process Manager implementation with the same token and
// TTL semantics as the Redis one. Used for development and tests.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryManager creates a new in-memory lock manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]memoryLock),
	}
}

// Acquire takes the lock for key, honoring expiry of previous holders
func (mm *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if held, exists := mm.locks[key]; exists && time.Now().Before(held.expiresAt) {
		return "", ErrBusy
	}

	token := uuid.New().String()
	mm.locks[key] = memoryLock{token: token, expiresAt: time.Now().Add(ttl)}
	return token, nil
}

// Release frees the lock if token is still the holder
func (mm *MemoryManager) Release(_ context.Context, key string, token string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	held, exists := mm.locks[key]
	if !exists || held.token != token || time.Now().After(held.expiresAt) {
		return ErrNotHeld
	}

	delete(mm.locks, key)
	return nil
}
