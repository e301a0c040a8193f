package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"inventory-ops-engine/internal/storage"
)

const lockShardCount = 64

// LockHandle is an ephemeral logical lock on a record key. It carries the
// version it was acquired against and an absolute deadline; a handle past its
// deadline is unusable for writes even if nothing else touched the key.
type LockHandle struct {
	Key         storage.RecordKey
	OperationID string
	Version     int64
	AcquiredAt  time.Time
	ExpiresAt   time.Time

	// distToken is set when the handle represents a distributed lock
	distToken string

	released atomic.Bool
}

// Expired reports whether the handle's deadline has passed
func (h *LockHandle) Expired() bool {
	return time.Now().After(h.ExpiresAt)
}

type lockShard struct {
	mu      sync.Mutex
	handles map[string]*LockHandle
}

// ExpiredFunc is invoked by the watchdog sweep for every force-released handle
type ExpiredFunc func(handle *LockHandle)

// OptimisticLockManager hands out logical locks keyed by record key, using
// expected-version comparison against storage. Acquisition never blocks: a
// version mismatch or a held key is reported immediately as a conflict. The
// handle table is sharded so unrelated keys never serialize on one mutex, and
// it is a non-authoritative cache: the version compare-and-swap at write time
// remains the real conflict detector.
type OptimisticLockManager struct {
	accessor storage.VersionedRecordAccessor
	shards   [lockShardCount]lockShard

	onExpired ExpiredFunc

	sweepTicker *time.Ticker
	stopSweep   chan struct{}

	activeLocks atomic.Int64
}

// NewOptimisticLockManager creates a lock manager and starts its watchdog sweep
func NewOptimisticLockManager(accessor storage.VersionedRecordAccessor, sweepInterval time.Duration, onExpired ExpiredFunc) *OptimisticLockManager {
	lm := &OptimisticLockManager{
		accessor:  accessor,
		onExpired: onExpired,
		stopSweep: make(chan struct{}),
	}
	for i := range lm.shards {
		lm.shards[i].handles = make(map[string]*LockHandle)
	}

	lm.sweepTicker = time.NewTicker(sweepInterval)
	go lm.sweepExpiredHandles()

	slog.Info("Optimistic lock manager initialized",
		"shards", lockShardCount,
		"sweep_interval", sweepInterval.String())

	return lm
}

// Stop halts the watchdog sweep
func (lm *OptimisticLockManager) Stop() {
	lm.sweepTicker.Stop()
	close(lm.stopSweep)
}

// Acquire attempts to take the logical lock for key at expectedVersion. The
// current record is re-read from storage; on success the fresh record is
// returned alongside the handle so the caller can run its post-lock validation
// against it. Never blocks waiting for a lock.
func (lm *OptimisticLockManager) Acquire(ctx context.Context, key storage.RecordKey, expectedVersion int64, operationID string, timeout time.Duration) (*LockHandle, storage.Record, error) {
	record, err := lm.accessor.ReadCurrent(ctx, key)
	if err != nil {
		return nil, storage.Record{}, err
	}

	if record.Version != expectedVersion {
		slog.Debug("Lock acquisition rejected on version mismatch",
			"key", key.String(),
			"expected_version", expectedVersion,
			"current_version", record.Version,
			"operation_id", operationID)
		return nil, record, &VersionConflictError{
			Key:             key,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  record.Version,
		}
	}

	shard := lm.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if held, exists := shard.handles[key.String()]; exists && !held.Expired() && !held.released.Load() {
		slog.Debug("Lock acquisition rejected, key held",
			"key", key.String(),
			"holder", held.OperationID,
			"operation_id", operationID)
		return nil, record, &LockHeldError{Key: key, HolderID: held.OperationID}
	}

	now := time.Now()
	handle := &LockHandle{
		Key:         key,
		OperationID: operationID,
		Version:     record.Version,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(timeout),
	}
	shard.handles[key.String()] = handle
	lm.activeLocks.Add(1)

	slog.Debug("Lock acquired",
		"key", key.String(),
		"version", record.Version,
		"operation_id", operationID,
		"expires_at", handle.ExpiresAt.Format(time.RFC3339))

	return handle, record, nil
}

// Release frees the handle. Idempotent: releasing an already-released or
// expired handle is a no-op, never an error.
func (lm *OptimisticLockManager) Release(handle *LockHandle) {
	if handle == nil || !handle.released.CompareAndSwap(false, true) {
		return
	}

	shard := lm.shardFor(handle.Key)
	shard.mu.Lock()
	if current, exists := shard.handles[handle.Key.String()]; exists && current == handle {
		delete(shard.handles, handle.Key.String())
	}
	shard.mu.Unlock()

	lm.activeLocks.Add(-1)
	slog.Debug("Lock released",
		"key", handle.Key.String(),
		"operation_id", handle.OperationID,
		"held_for", time.Since(handle.AcquiredAt).String())
}

// ActiveLockCount returns the number of currently held handles
func (lm *OptimisticLockManager) ActiveLockCount() int64 {
	return lm.activeLocks.Load()
}

func (lm *OptimisticLockManager) shardFor(key storage.RecordKey) *lockShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.String()))
	return &lm.shards[hasher.Sum32()%lockShardCount]
}

// sweepExpiredHandles force-releases handles past their deadline and notifies
// the owner so the operation is failed with a timeout cause
func (lm *OptimisticLockManager) sweepExpiredHandles() {
	for {
		select {
		case <-lm.sweepTicker.C:
			lm.sweepOnce()
		case <-lm.stopSweep:
			return
		}
	}
}

func (lm *OptimisticLockManager) sweepOnce() {
	var expired []*LockHandle

	for i := range lm.shards {
		shard := &lm.shards[i]
		shard.mu.Lock()
		for keyStr, handle := range shard.handles {
			if handle.Expired() && handle.released.CompareAndSwap(false, true) {
				delete(shard.handles, keyStr)
				lm.activeLocks.Add(-1)
				expired = append(expired, handle)
			}
		}
		shard.mu.Unlock()
	}

	// Notify outside the shard locks
	for _, handle := range expired {
		slog.Warn("Lock expired, force released",
			"key", handle.Key.String(),
			"operation_id", handle.OperationID,
			"held_for", time.Since(handle.AcquiredAt).String())
		if lm.onExpired != nil {
			lm.onExpired(handle)
		}
	}
}
