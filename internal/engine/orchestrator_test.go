package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-ops-engine/internal/approval"
	"inventory-ops-engine/internal/audit"
	"inventory-ops-engine/internal/distlock"
	"inventory-ops-engine/internal/storage"
)

func testKey() storage.RecordKey {
	return storage.RecordKey{StoreID: "store-1", ProductID: "prod-1"}
}

func seedRecord(ms *storage.MemoryStorage, key storage.RecordKey, quantity int64) {
	ms.Put(storage.Record{
		Key:      key,
		Quantity: quantity,
		Metadata: storage.Metadata{Price: decimal.NewFromInt(20), Active: true},
	})
}

// newTestOrchestrator wires an engine over the given accessor with fast
// timings. The gate may be nil to disable approvals entirely.
func newTestOrchestrator(t *testing.T, accessor storage.VersionedRecordAccessor, gate approval.Gate, mutate func(*LockConfig)) (*Orchestrator, *audit.MemoryRecorder) {
	t.Helper()

	cfg := DefaultLockConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryDelayMax = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	recorder := audit.NewMemoryRecorder()
	o := NewOrchestrator(Dependencies{
		Storage:            accessor,
		DistLock:           distlock.NewMemoryManager(),
		Approvals:          gate,
		Audit:              recorder,
		SigningKey:         []byte("test-signing-key"),
		OperationRetention: time.Minute,
		SweepInterval:      20 * time.Millisecond,
		IdempotencyTTL:     time.Minute,
	}, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	return o, recorder
}

// waitTerminal polls until the operation reaches a terminal status
func waitTerminal(t *testing.T, o *Orchestrator, operationID string) Operation {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, exists := o.GetOperation(operationID)
		require.True(t, exists, "operation %s disappeared from the registry", operationID)
		if op.Status.Terminal() {
			return op
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("operation %s never reached a terminal status", operationID)
	return Operation{}
}

func TestSubmit_RejectsMalformedInput(t *testing.T) {
	ms := storage.NewMemoryStorage()
	seedRecord(ms, testKey(), 10)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown type", SubmitRequest{Type: "teleport", StoreID: "store-1", ProductID: "prod-1", Quantity: 1, UserID: "u1"}},
		{"missing store", SubmitRequest{Type: OpStockDecrease, ProductID: "prod-1", Quantity: 1, UserID: "u1"}},
		{"missing user", SubmitRequest{Type: OpStockDecrease, StoreID: "store-1", ProductID: "prod-1", Quantity: 1}},
		{"zero quantity", SubmitRequest{Type: OpStockDecrease, StoreID: "store-1", ProductID: "prod-1", Quantity: 0, UserID: "u1"}},
		{"negative quantity", SubmitRequest{Type: OpStockIncrease, StoreID: "store-1", ProductID: "prod-1", Quantity: -5, UserID: "u1"}},
		{"zero adjustment", SubmitRequest{Type: OpStockAdjustment, StoreID: "store-1", ProductID: "prod-1", Quantity: 0, UserID: "u1"}},
		{"non-positive price", SubmitRequest{Type: OpPriceUpdate, StoreID: "store-1", ProductID: "prod-1", UserID: "u1"}},
		{"transfer without destination", SubmitRequest{Type: OpStockTransfer, StoreID: "store-1", ProductID: "prod-1", Quantity: 5, UserID: "u1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tc.req)

			require.Error(t, err)
			assert.IsType(t, &ValidationError{}, err)
		})
	}
}

func TestSubmit_SimpleDecreaseCompletes(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	o, recorder := newTestOrchestrator(t, ms, nil, nil)

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  30,
		UserID:    "alice",
		UserRole:  "manager",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, int64(100), op.PreviousQuantity)
	assert.Equal(t, int64(70), op.NewQuantity)
	assert.Equal(t, int64(2), op.AppliedVersion)
	assert.True(t, op.BusinessRulesValidated)
	assert.NotEmpty(t, op.Signature)
	assert.False(t, op.EndedAt.IsZero())

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(70), record.Quantity)
	assert.Equal(t, int64(2), record.Version)

	// The audit sink saw the lifecycle
	actions := make(map[string]bool)
	for _, entry := range recorder.Entries() {
		actions[entry.Action] = true
	}
	assert.True(t, actions["operation_submitted"])
	assert.True(t, actions["operation_completed"])
}

func TestSubmit_ConcurrentDecrements_NoLostUpdates(t *testing.T) {
	// Arrange: 20 workers each remove 10 units from the same record
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 1000)
	o, _ := newTestOrchestrator(t, ms, nil, func(cfg *LockConfig) {
		cfg.MaxRetryAttempts = 200
	})

	const workers = 20

	// Act
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids[n], errs[n] = o.Submit(context.Background(), SubmitRequest{
				Type:      OpStockDecrease,
				StoreID:   key.StoreID,
				ProductID: key.ProductID,
				Quantity:  10,
				UserID:    fmt.Sprintf("worker-%d", n),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		op := waitTerminal(t, o, id)
		assert.Equal(t, StatusCompleted, op.Status, "operation %s failed: %s", id, op.FailureDetail)
	}

	// Assert: every decrement applied exactly once
	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(800), record.Quantity)
	assert.Equal(t, int64(workers+1), record.Version)
}

// conflictingAccessor rejects every versioned write, simulating a permanently
// contended record
type conflictingAccessor struct {
	*storage.MemoryStorage
	writes atomic.Int32
}

func (c *conflictingAccessor) WriteIfVersion(ctx context.Context, key storage.RecordKey, expectedVersion int64, quantity int64, meta storage.Metadata) (storage.WriteResult, error) {
	c.writes.Add(1)
	record, err := c.MemoryStorage.ReadCurrent(ctx, key)
	if err != nil {
		return storage.WriteResult{}, err
	}
	return storage.WriteResult{OK: false, CurrentVersion: record.Version + 1}, nil
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	// Arrange: the write never succeeds, so the retry budget must bound the work
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	accessor := &conflictingAccessor{MemoryStorage: ms}
	o, _ := newTestOrchestrator(t, accessor, nil, func(cfg *LockConfig) {
		cfg.MaxRetryAttempts = 3
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  10,
		UserID:    "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: exactly 3 attempts, then failed with the exhaustion cause
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseRetriesExhausted, op.FailureCause)
	assert.Equal(t, 3, op.RetryCount)
	assert.Equal(t, int32(3), accessor.writes.Load())
	assert.True(t, op.ConflictDetected)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.Quantity, "no partial write may leak")
	assert.Equal(t, int64(1), record.Version)
}

func TestSubmit_MergeSumResolvesConflict(t *testing.T) {
	// Arrange: the record moved from 10 to 7 (version 2) behind the caller's back
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	result, err := ms.WriteIfVersion(context.Background(), key, 1, 7, storage.Metadata{Price: decimal.NewFromInt(20), Active: true})
	require.NoError(t, err)
	require.True(t, result.OK)

	o, _ := newTestOrchestrator(t, ms, nil, func(cfg *LockConfig) {
		cfg.ConflictResolution = ActionMerge
		cfg.MergeStrategy = MergeSum
	})

	// Act: a decrease of 5 submitted against the stale version 1
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:            OpStockDecrease,
		StoreID:         key.StoreID,
		ProductID:       key.ProductID,
		Quantity:        5,
		UserID:          "alice",
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: both deltas survive (10 - 3 - 5 = 2) and one conflict is resolved
	assert.Equal(t, StatusCompleted, op.Status)
	assert.True(t, op.ConflictDetected)
	assert.Equal(t, ActionMerge, op.Resolution)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Quantity)
	assert.Equal(t, int64(3), record.Version)

	conflicts := o.ListConflicts()
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)
	assert.Equal(t, ActionMerge, conflicts[0].Strategy)
}

func TestSubmit_FailPolicySurfacesConflict(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	result, err := ms.WriteIfVersion(context.Background(), key, 1, 8, storage.Metadata{Price: decimal.NewFromInt(20), Active: true})
	require.NoError(t, err)
	require.True(t, result.OK)

	o, _ := newTestOrchestrator(t, ms, nil, func(cfg *LockConfig) {
		cfg.ConflictResolution = ActionFail
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:            OpStockDecrease,
		StoreID:         key.StoreID,
		ProductID:       key.ProductID,
		Quantity:        2,
		UserID:          "alice",
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: failed on first detection, conflict escalated for review
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseVersionConflict, op.FailureCause)
	assert.Equal(t, 0, op.RetryCount)

	conflicts := o.ListConflicts()
	require.Len(t, conflicts, 1)
	assert.False(t, conflicts[0].Resolved)
	assert.True(t, conflicts[0].InvestigationRequired)
}

func TestSubmit_NegativeStockRejected(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 5)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  10,
		UserID:    "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: validation failure, no version consumed
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseValidation, op.FailureCause)
	assert.False(t, op.BusinessRulesValidated)
	assert.NotEmpty(t, op.ValidationErrors)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), record.Quantity)
	assert.Equal(t, int64(1), record.Version)
}

func TestSubmit_AllowNegativeStock(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 5)
	o, _ := newTestOrchestrator(t, ms, nil, func(cfg *LockConfig) {
		cfg.AllowNegativeStock = true
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  10,
		UserID:    "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, int64(-5), op.NewQuantity)
}

func TestSubmit_ApprovalDenied(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	gate := approval.NewManualGate()
	o, _ := newTestOrchestrator(t, ms, gate, func(cfg *LockConfig) {
		cfg.RequireApproval = true
	})

	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  50,
		UserID:    "alice",
		UserRole:  "admin",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gate.Pending()) == 1
	}, 2*time.Second, 5*time.Millisecond, "operation never reached the approval gate")

	// Act
	pending := gate.Pending()
	require.NoError(t, gate.Decide(pending[0].ApprovalID, false, "carol", "quantity looks wrong"))
	op := waitTerminal(t, o, opID)

	// Assert: denied operations never touch storage
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseApprovalDenied, op.FailureCause)
	assert.True(t, op.ApprovalRequired)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.Quantity)
	assert.Equal(t, int64(1), record.Version)
}

func TestSubmit_ApprovalGranted(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	gate := &approval.AutoGate{Approve: true, Approver: "lead"}
	o, _ := newTestOrchestrator(t, ms, gate, func(cfg *LockConfig) {
		cfg.RequireApproval = true
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  50,
		UserID:    "alice",
		UserRole:  "admin",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.True(t, op.ApprovalRequired)
	assert.Equal(t, "lead", op.ApprovedBy)
	assert.Equal(t, int64(50), op.NewQuantity)
}

func TestSubmit_ApprovalTimeout(t *testing.T) {
	// Arrange: nobody ever answers
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	gate := approval.NewManualGate()
	o, _ := newTestOrchestrator(t, ms, gate, func(cfg *LockConfig) {
		cfg.RequireApproval = true
		cfg.ApprovalTimeout = 50 * time.Millisecond
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  50,
		UserID:    "alice",
		UserRole:  "admin",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: timed out and the pending entry was abandoned
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseApprovalTimeout, op.FailureCause)
	assert.Empty(t, gate.Pending())

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), record.Quantity)
}

func TestSubmit_ForceOverrideByAdmin(t *testing.T) {
	// Arrange: a competing write moved the record to 15 at version 2
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	result, err := ms.WriteIfVersion(context.Background(), key, 1, 15, storage.Metadata{Price: decimal.NewFromInt(20), Active: true})
	require.NoError(t, err)
	require.True(t, result.OK)

	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act: an admin force-applies a decrease against the stale version
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:            OpStockDecrease,
		StoreID:         key.StoreID,
		ProductID:       key.ProductID,
		Quantity:        4,
		UserID:          "root",
		UserRole:        "admin",
		ExpectedVersion: 1,
		ForceOverride:   true,
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, ActionOverride, op.Resolution)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), record.Quantity)
	assert.Equal(t, int64(3), record.Version)

	conflicts := o.ListConflicts()
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)
	assert.Equal(t, ActionOverride, conflicts[0].Strategy)
	assert.Equal(t, "root", conflicts[0].ResolvedBy)
}

func TestSubmit_ForceOverrideIgnoredForNonAdmin(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	result, err := ms.WriteIfVersion(context.Background(), key, 1, 15, storage.Metadata{Price: decimal.NewFromInt(20), Active: true})
	require.NoError(t, err)
	require.True(t, result.OK)

	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act: same force-apply from a non-privileged role degrades to a retry,
	// which then succeeds against the refreshed version
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:            OpStockDecrease,
		StoreID:         key.StoreID,
		ProductID:       key.ProductID,
		Quantity:        4,
		UserID:          "bob",
		UserRole:        "clerk",
		ExpectedVersion: 1,
		ForceOverride:   true,
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.NotEqual(t, ActionOverride, op.Resolution)
	assert.Equal(t, 1, op.RetryCount)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), record.Quantity)
}

// flakyAccessor fails the first n versioned writes, then behaves normally
type flakyAccessor struct {
	*storage.MemoryStorage
	failures atomic.Int32
	budget   int32
}

func (f *flakyAccessor) WriteIfVersion(ctx context.Context, key storage.RecordKey, expectedVersion int64, quantity int64, meta storage.Metadata) (storage.WriteResult, error) {
	if f.failures.Add(1) <= f.budget {
		record, err := f.MemoryStorage.ReadCurrent(ctx, key)
		if err != nil {
			return storage.WriteResult{}, err
		}
		return storage.WriteResult{OK: false, CurrentVersion: record.Version + 1}, nil
	}
	return f.MemoryStorage.WriteIfVersion(ctx, key, expectedVersion, quantity, meta)
}

func TestSubmit_EscalatesToDistributedLock(t *testing.T) {
	// Arrange: optimistic attempts exhaust their budget, then the engine must
	// fall back to the external lock and finish the work
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	accessor := &flakyAccessor{MemoryStorage: ms, budget: 3}
	o, _ := newTestOrchestrator(t, accessor, nil, func(cfg *LockConfig) {
		cfg.LockingMode = ModeOptimisticThenDistributed
		cfg.MaxRetryAttempts = 3
	})

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  10,
		UserID:    "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, int64(90), op.NewQuantity)

	escalated := false
	for _, step := range op.Trail {
		if step.Action == "escalated_to_distributed_lock" {
			escalated = true
		}
	}
	assert.True(t, escalated, "expected the trail to record the fallback")
}

func TestSubmit_DistributedModeSerializes(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 500)
	o, _ := newTestOrchestrator(t, ms, nil, func(cfg *LockConfig) {
		cfg.LockingMode = ModeDistributed
		cfg.MaxRetryAttempts = 200
	})

	const workers = 10

	// Act
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids[n], errs[n] = o.Submit(context.Background(), SubmitRequest{
				Type:      OpStockDecrease,
				StoreID:   key.StoreID,
				ProductID: key.ProductID,
				Quantity:  5,
				UserID:    fmt.Sprintf("worker-%d", n),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		op := waitTerminal(t, o, id)
		assert.Equal(t, StatusCompleted, op.Status, "operation %s failed: %s", id, op.FailureDetail)
	}

	// Assert
	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(450), record.Quantity)
	assert.Equal(t, int64(workers+1), record.Version)
}

func TestSubmit_IdempotencyKeyDeduplicates(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 100)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	req := SubmitRequest{
		Type:           OpStockDecrease,
		StoreID:        key.StoreID,
		ProductID:      key.ProductID,
		Quantity:       10,
		UserID:         "alice",
		IdempotencyKey: "order-42-decrement",
	}

	// Act
	first, err := o.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Submit(context.Background(), req)
	require.NoError(t, err)

	// Assert: the duplicate resolves to the original operation, one write total
	assert.Equal(t, first, second)
	waitTerminal(t, o, first)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(90), record.Quantity)
	assert.Equal(t, int64(2), record.Version)
}

func TestSubmit_TransferCreatesDestinationLeg(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	src := testKey()
	dst := storage.RecordKey{StoreID: "store-2", ProductID: src.ProductID}
	seedRecord(ms, src, 50)
	seedRecord(ms, dst, 5)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:        OpStockTransfer,
		StoreID:     src.StoreID,
		ProductID:   src.ProductID,
		DestStoreID: dst.StoreID,
		Quantity:    10,
		UserID:      "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert: source decremented immediately, destination follows
	assert.Equal(t, StatusCompleted, op.Status)

	srcRecord, err := ms.ReadCurrent(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(40), srcRecord.Quantity)

	require.Eventually(t, func() bool {
		dstRecord, err := ms.ReadCurrent(context.Background(), dst)
		return err == nil && dstRecord.Quantity == 15
	}, 2*time.Second, 5*time.Millisecond, "destination leg never landed")
}

func TestSubmit_UnknownRecordFails(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act
	opID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   "nowhere",
		ProductID: "nothing",
		Quantity:  1,
		UserID:    "alice",
	})
	require.NoError(t, err)
	op := waitTerminal(t, o, opID)

	// Assert
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, CauseRecordNotFound, op.FailureCause)
}

func TestSubmit_PriceUpdateWithinBounds(t *testing.T) {
	// Arrange: current price 20, bound 50%
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 10)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act: within bounds
	okID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpPriceUpdate,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		NewPrice:  decimal.NewFromInt(25),
		UserID:    "alice",
		UserRole:  "admin",
	})
	require.NoError(t, err)
	okOp := waitTerminal(t, o, okID)

	// Act: a doubling is outside the 50% bound
	badID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpPriceUpdate,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		NewPrice:  decimal.NewFromInt(80),
		UserID:    "alice",
		UserRole:  "admin",
	})
	require.NoError(t, err)
	badOp := waitTerminal(t, o, badID)

	// Assert
	assert.Equal(t, StatusCompleted, okOp.Status)
	assert.Equal(t, StatusFailed, badOp.Status)
	assert.Equal(t, CauseValidation, badOp.FailureCause)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.Metadata.Price.Equal(decimal.NewFromInt(25)))
}

func TestSubmit_ReservationAndRelease(t *testing.T) {
	// Arrange
	ms := storage.NewMemoryStorage()
	key := testKey()
	seedRecord(ms, key, 20)
	o, _ := newTestOrchestrator(t, ms, nil, nil)

	// Act: reserve 8
	reserveID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpReservation,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  8,
		UserID:    "checkout-bot",
		UserRole:  "bot",
		OrderRef:  "order-77",
	})
	require.NoError(t, err)
	reserveOp := waitTerminal(t, o, reserveID)
	require.Equal(t, StatusCompleted, reserveOp.Status)

	record, err := ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(8), record.Metadata.Reserved)
	assert.Equal(t, int64(12), record.Available())

	// Act: over-release is rejected
	badID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpRelease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  9,
		UserID:    "checkout-bot",
		UserRole:  "bot",
	})
	require.NoError(t, err)
	badOp := waitTerminal(t, o, badID)
	assert.Equal(t, StatusFailed, badOp.Status)

	// Act: releasing what is reserved works
	releaseID, err := o.Submit(context.Background(), SubmitRequest{
		Type:      OpRelease,
		StoreID:   key.StoreID,
		ProductID: key.ProductID,
		Quantity:  8,
		UserID:    "checkout-bot",
		UserRole:  "bot",
	})
	require.NoError(t, err)
	releaseOp := waitTerminal(t, o, releaseID)

	// Assert
	assert.Equal(t, StatusCompleted, releaseOp.Status)
	record, err = ms.ReadCurrent(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Metadata.Reserved)
	assert.Equal(t, int64(20), record.Quantity)
}
