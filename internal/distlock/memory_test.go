package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_AcquireAndRelease(t *testing.T) {
	mm := NewMemoryManager()

	token, err := mm.Acquire(context.Background(), "store-1:prod-1", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, mm.Release(context.Background(), "store-1:prod-1", token))

	// Released key is immediately acquirable
	next, err := mm.Acquire(context.Background(), "store-1:prod-1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, token, next)
}

func TestMemoryManager_HeldKeyIsBusy(t *testing.T) {
	mm := NewMemoryManager()

	_, err := mm.Acquire(context.Background(), "key", time.Second)
	require.NoError(t, err)

	_, err = mm.Acquire(context.Background(), "key", time.Second)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMemoryManager_ExpiredLockIsAcquirable(t *testing.T) {
	mm := NewMemoryManager()

	_, err := mm.Acquire(context.Background(), "key", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = mm.Acquire(context.Background(), "key", time.Second)
	assert.NoError(t, err)
}

func TestMemoryManager_ReleaseGuardsHolderToken(t *testing.T) {
	mm := NewMemoryManager()

	token, err := mm.Acquire(context.Background(), "key", time.Second)
	require.NoError(t, err)

	// A stale or foreign token must never free someone else's lock
	assert.ErrorIs(t, mm.Release(context.Background(), "key", "not-the-token"), ErrNotHeld)

	_, err = mm.Acquire(context.Background(), "key", time.Second)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, mm.Release(context.Background(), "key", token))
}

func TestMemoryManager_ReleaseAfterExpiryFails(t *testing.T) {
	mm := NewMemoryManager()

	token, err := mm.Acquire(context.Background(), "key", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	// The lease lapsed; the old holder no longer owns the key
	assert.ErrorIs(t, mm.Release(context.Background(), "key", token), ErrNotHeld)
}

func TestMemoryManager_KeysAreIndependent(t *testing.T) {
	mm := NewMemoryManager()

	_, err := mm.Acquire(context.Background(), "key-a", time.Second)
	require.NoError(t, err)

	_, err = mm.Acquire(context.Background(), "key-b", time.Second)
	assert.NoError(t, err)
}
