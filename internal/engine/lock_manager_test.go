package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ops-engine/internal/storage"
)

func newTestLockManager(t *testing.T, ms *storage.MemoryStorage, onExpired ExpiredFunc) *OptimisticLockManager {
	t.Helper()
	lm := NewOptimisticLockManager(ms, 10*time.Millisecond, onExpired)
	t.Cleanup(lm.Stop)
	return lm
}

func TestLockManager_AcquireAndRelease(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	lm := newTestLockManager(t, ms, nil)

	// Act
	handle, record, err := lm.Acquire(context.Background(), key, 1, "op-1", time.Second)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, int64(1), handle.Version)
	assert.Equal(t, int64(10), record.Quantity)
	assert.Equal(t, int64(1), lm.ActiveLockCount())

	lm.Release(handle)
	assert.Equal(t, int64(0), lm.ActiveLockCount())
}

func TestLockManager_ReleaseIsIdempotent(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	lm := newTestLockManager(t, ms, nil)

	handle, _, err := lm.Acquire(context.Background(), key, 1, "op-1", time.Second)
	require.NoError(t, err)

	// Act: double release must not underflow the counter
	lm.Release(handle)
	lm.Release(handle)
	lm.Release(nil)

	// Assert
	assert.Equal(t, int64(0), lm.ActiveLockCount())
}

func TestLockManager_VersionMismatchRejected(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	lm := newTestLockManager(t, ms, nil)

	// Act
	handle, record, err := lm.Acquire(context.Background(), key, 7, "op-1", time.Second)

	// Assert: the caller gets the fresh record to retry against
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, int64(1), record.Version)

	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(7), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.CurrentVersion)
	assert.Equal(t, int64(0), lm.ActiveLockCount())
}

func TestLockManager_HeldKeyRejected(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	lm := newTestLockManager(t, ms, nil)

	first, _, err := lm.Acquire(context.Background(), key, 1, "op-1", time.Second)
	require.NoError(t, err)

	// Act
	second, _, err := lm.Acquire(context.Background(), key, 1, "op-2", time.Second)

	// Assert
	assert.Nil(t, second)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "op-1", held.HolderID)

	// Releasing the holder frees the key
	lm.Release(first)
	third, _, err := lm.Acquire(context.Background(), key, 1, "op-3", time.Second)
	require.NoError(t, err)
	require.NotNil(t, third)
}

func TestLockManager_DifferentKeysAreIndependent(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	keyA := storage.RecordKey{StoreID: "store-1", ProductID: "prod-a"}
	keyB := storage.RecordKey{StoreID: "store-1", ProductID: "prod-b"}
	seedRecord(ms, keyA, 10)
	seedRecord(ms, keyB, 10)
	lm := newTestLockManager(t, ms, nil)

	// Act
	_, _, errA := lm.Acquire(context.Background(), keyA, 1, "op-a", time.Second)
	_, _, errB := lm.Acquire(context.Background(), keyB, 1, "op-b", time.Second)

	// Assert
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, int64(2), lm.ActiveLockCount())
}

func TestLockManager_WatchdogForceReleasesExpiredHandles(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)

	expired := make(chan *LockHandle, 1)
	lm := newTestLockManager(t, ms, func(handle *LockHandle) {
		expired <- handle
	})

	handle, _, err := lm.Acquire(context.Background(), key, 1, "op-slow", 20*time.Millisecond)
	require.NoError(t, err)

	// Act: wait for the sweep to pass the handle's deadline
	select {
	case swept := <-expired:
		// Assert
		assert.Equal(t, handle.OperationID, swept.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired for the expired handle")
	}

	assert.Equal(t, int64(0), lm.ActiveLockCount())
	assert.True(t, handle.Expired())

	// The key is free for the next acquirer
	next, _, err := lm.Acquire(context.Background(), key, 1, "op-next", time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestLockManager_ExpiredHandleBlocksNothing(t *testing.T) {
	// Arrange: a handle past its deadline does not stop a new acquisition even
	// before the sweep collects it
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	lm := NewOptimisticLockManager(ms, time.Hour, nil)
	t.Cleanup(lm.Stop)

	stale, _, err := lm.Acquire(context.Background(), key, 1, "op-stale", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.True(t, stale.Expired())

	// Act
	fresh, _, err := lm.Acquire(context.Background(), key, 1, "op-fresh", time.Second)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, fresh)
}
