package engine

import (
	"log/slog"
	"sync"
	"time"

	"inventory-ops-engine/internal/storage"
)

// OperationRegistry is the arena of in-flight and recently finished operations.
// Terminal operations stay queryable for the retention period and are then
// evicted by the sweep, so the map cannot grow without bound.
type OperationRegistry struct {
	mu         sync.RWMutex
	operations map[string]*Operation

	retention   time.Duration
	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// NewOperationRegistry creates a registry with background eviction
func NewOperationRegistry(retention, sweepInterval time.Duration) *OperationRegistry {
	r := &OperationRegistry{
		operations: make(map[string]*Operation),
		retention:  retention,
		stopSweep:  make(chan struct{}),
	}

	r.sweepTicker = time.NewTicker(sweepInterval)
	go r.sweepTerminal()

	return r
}

// Stop halts the eviction sweep
func (r *OperationRegistry) Stop() {
	r.sweepTicker.Stop()
	close(r.stopSweep)
}

// Add registers an operation
func (r *OperationRegistry) Add(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[op.ID] = op
}

// get returns the live operation for internal mutation
func (r *OperationRegistry) get(id string) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, exists := r.operations[id]
	return op, exists
}

// Snapshot returns a point-in-time copy of the operation
func (r *OperationRegistry) Snapshot(id string) (Operation, bool) {
	op, exists := r.get(id)
	if !exists {
		return Operation{}, false
	}
	return op.Snapshot(), true
}

// CompetingOperation finds the operation that committed the given version on
// the key, when this process knows it. Racing writers from other processes are
// invisible here; callers must treat absence as "winner unknown".
func (r *OperationRegistry) CompetingOperation(key storage.RecordKey, appliedVersion int64) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, op := range r.operations {
		snap := op.Snapshot()
		if snap.Key == key && snap.AppliedVersion == appliedVersion && snap.Status == StatusCompleted {
			return op, true
		}
	}
	return nil, false
}

// ActiveCount returns the number of non-terminal operations
func (r *OperationRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, op := range r.operations {
		if !op.CurrentStatus().Terminal() {
			count++
		}
	}
	return count
}

// sweepTerminal evicts terminal operations older than the retention period
func (r *OperationRegistry) sweepTerminal() {
	for {
		select {
		case <-r.sweepTicker.C:
			r.evictOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *OperationRegistry) evictOnce() {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, op := range r.operations {
		snap := op.Snapshot()
		if snap.Status.Terminal() && !snap.EndedAt.IsZero() && snap.EndedAt.Before(cutoff) {
			delete(r.operations, id)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Evicted terminal operations",
			"removed", removed,
			"remaining", len(r.operations))
	}
}
