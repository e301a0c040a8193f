// Package distlock provides the pessimistic fallback for the optimistic engine:
// a token-based mutual-exclusion primitive backed by an external lock service.
package distlock

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when the key is held by another token. It is a retryable
// condition, distinct from a business conflict.
var ErrBusy = errors.New("lock busy")

// ErrNotHeld is returned when releasing with a token that does not hold the lock
// (already released, expired, or stolen after TTL).
var ErrNotHeld = errors.New("lock not held by token")

// Manager acquires and releases distributed locks. Tokens self-expire after the
// TTL, so an orphaned lock never blocks a key forever. Release succeeds only for
// the holder of the matching token.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key string, token string) error
}
