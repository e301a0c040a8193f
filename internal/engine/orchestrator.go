package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"inventory-ops-engine/internal/approval"
	"inventory-ops-engine/internal/audit"
	"inventory-ops-engine/internal/cache"
	"inventory-ops-engine/internal/distlock"
	"inventory-ops-engine/internal/storage"
	"inventory-ops-engine/internal/telemetry"
)

// SubmitRequest describes a mutation submitted by a caller
type SubmitRequest struct {
	Type      OperationType
	StoreID   string
	ProductID string
	VariantID string

	// DestStoreID receives the stock of a transfer
	DestStoreID string

	Quantity int64
	NewPrice decimal.Decimal

	UserID   string
	UserRole string

	// ExpectedVersion is the version the caller last observed; zero means
	// "use whatever is current"
	ExpectedVersion int64

	IdempotencyKey string
	OrderRef       string

	// MaxRetries overrides the configured retry budget when non-nil
	MaxRetries *int

	ForceApproval bool
	ForceOverride bool

	// Callback is invoked once with the terminal operation snapshot
	Callback CompletionCallback
}

// CompletionCallback receives the terminal snapshot of an operation
type CompletionCallback func(Operation)

// Dependencies are the injected external collaborators. The orchestrator is
// explicitly constructed per tenant; there is no shared process-wide instance.
type Dependencies struct {
	Storage   storage.VersionedRecordAccessor
	DistLock  distlock.Manager
	Approvals approval.Gate
	Audit     audit.Recorder
	Telemetry *telemetry.EngineTelemetry

	// SigningKey signs terminal operation states and audit entries; empty
	// disables signing
	SigningKey []byte

	// OperationRetention bounds how long terminal operations stay queryable
	OperationRetention time.Duration
	// SweepInterval drives the lock watchdog and registry eviction
	SweepInterval time.Duration
	// IdempotencyTTL bounds duplicate-submission detection
	IdempotencyTTL time.Duration
}

// Orchestrator sequences validation, risk assessment, approval, lock
// acquisition, execution, release and audit for every submitted operation,
// and owns the retry/backoff policy.
type Orchestrator struct {
	storage   storage.VersionedRecordAccessor
	distLock  distlock.Manager
	gate      approval.Gate
	auditor   audit.Recorder
	telemetry *telemetry.EngineTelemetry

	validator   *BusinessRuleValidator
	scorer      *RiskScorer
	history     *ActorHistory
	resolver    *ConflictResolver
	conflicts   *ConflictStore
	registry    *OperationRegistry
	lockManager *OptimisticLockManager
	idempotency *cache.IdempotencyCache

	signingKey []byte
	cfg        LockConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	evictTicker *time.Ticker
	stopEvict   chan struct{}
}

// nopRecorder is used when no audit sink is injected
type nopRecorder struct{}

func (nopRecorder) Append(audit.Entry) {}

// NewOrchestrator creates an engine instance with the given collaborators and
// locking policy
func NewOrchestrator(deps Dependencies, cfg LockConfig) *Orchestrator {
	cfg = cfg.Normalize()

	if deps.Audit == nil {
		deps.Audit = nopRecorder{}
	}
	if deps.OperationRetention <= 0 {
		deps.OperationRetention = 10 * time.Minute
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = 500 * time.Millisecond
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		storage:    deps.Storage,
		distLock:   deps.DistLock,
		gate:       deps.Approvals,
		auditor:    deps.Audit,
		telemetry:  deps.Telemetry,
		signingKey: deps.SigningKey,
		cfg:        cfg,
		baseCtx:    ctx,
		cancel:     cancel,
		stopEvict:  make(chan struct{}),
	}

	o.history = NewActorHistory()
	o.scorer = NewRiskScorer(o.history)
	o.validator = NewBusinessRuleValidator()
	o.conflicts = NewConflictStore(deps.OperationRetention)
	o.resolver = NewConflictResolver(o.conflicts)
	o.registry = NewOperationRegistry(deps.OperationRetention, deps.SweepInterval)
	o.lockManager = NewOptimisticLockManager(deps.Storage, deps.SweepInterval, o.handleLockExpiry)
	o.idempotency = cache.NewIdempotencyCache(deps.IdempotencyTTL, deps.SweepInterval)

	o.evictTicker = time.NewTicker(time.Minute)
	go o.evictConflicts()

	slog.Info("Operation orchestrator initialized",
		"locking_mode", cfg.LockingMode,
		"max_retry_attempts", cfg.MaxRetryAttempts,
		"conflict_resolution", cfg.ConflictResolution,
		"merge_strategy", cfg.MergeStrategy,
		"require_approval", cfg.RequireApproval)

	return o
}

// Config returns the orchestrator's normalized locking policy
func (o *Orchestrator) Config() LockConfig {
	return o.cfg
}

// Submit accepts a mutation request, returning the operation id immediately.
// Completion is asynchronous: poll GetOperation or pass a callback. Only
// malformed input rejects synchronously; ordinary contention never does.
func (o *Orchestrator) Submit(_ context.Context, req SubmitRequest) (string, error) {
	if err := validateSubmit(req); err != nil {
		return "", err
	}

	if opID, exists := o.idempotency.Lookup(req.IdempotencyKey); exists {
		return opID, nil
	}

	maxRetries := o.cfg.MaxRetryAttempts
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	op := newOperation(req, maxRetries)
	op.update(func() {
		op.appendTrail("operation_submitted", op.UserID, map[string]any{
			"type":  string(op.Type),
			"key":   op.Key.String(),
			"delta": op.Delta,
		})
	})

	o.registry.Add(op)
	o.idempotency.Remember(req.IdempotencyKey, op.ID)
	o.telemetry.RecordSubmitted(o.baseCtx, string(op.Type))
	o.appendAudit(op, "operation_submitted", op.UserID, map[string]any{
		"type":  string(op.Type),
		"delta": op.Delta,
	})

	slog.Info("Operation submitted",
		"operation_id", op.ID,
		"type", op.Type,
		"key", op.Key.String(),
		"delta", op.Delta,
		"user_id", op.UserID)

	o.wg.Add(1)
	go o.run(op, req.Callback)

	return op.ID, nil
}

// LookupIdempotent reports whether a prior submission already claimed the key
func (o *Orchestrator) LookupIdempotent(key string) (string, bool) {
	return o.idempotency.Lookup(key)
}

// GetOperation returns a point-in-time snapshot of the operation
func (o *Orchestrator) GetOperation(id string) (Operation, bool) {
	return o.registry.Snapshot(id)
}

// ListConflicts returns all known conflict records
func (o *Orchestrator) ListConflicts() []Conflict {
	return o.conflicts.List()
}

// ActiveOperations returns the number of non-terminal operations
func (o *Orchestrator) ActiveOperations() int {
	return o.registry.ActiveCount()
}

// ActiveLocks returns the number of currently held optimistic lock handles
func (o *Orchestrator) ActiveLocks() int64 {
	return o.lockManager.ActiveLockCount()
}

// Shutdown stops accepting work, waits for in-flight pipelines (bounded by
// ctx) and releases background resources
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out with %d operations in flight", o.registry.ActiveCount())
	}

	o.lockManager.Stop()
	o.registry.Stop()
	o.idempotency.Stop()
	o.evictTicker.Stop()
	close(o.stopEvict)

	slog.Info("Operation orchestrator stopped")
	return err
}

// validateSubmit rejects malformed input synchronously
func validateSubmit(req SubmitRequest) error {
	if !req.Type.Valid() {
		return NewValidationError(fmt.Sprintf("unknown operation type: %q", req.Type))
	}
	key := storage.RecordKey{StoreID: req.StoreID, ProductID: req.ProductID, VariantID: req.VariantID}
	if err := key.Validate(); err != nil {
		return NewValidationError(err.Error())
	}
	if req.UserID == "" {
		return NewValidationError("userId is required")
	}

	switch req.Type {
	case OpStockIncrease, OpStockDecrease, OpStockTransfer, OpReservation, OpRelease:
		if req.Quantity <= 0 {
			return NewValidationError(fmt.Sprintf("%s requires a positive quantity", req.Type))
		}
	case OpStockAdjustment:
		if req.Quantity == 0 {
			return NewValidationError("stock adjustment requires a non-zero quantity")
		}
	case OpPriceUpdate:
		if !req.NewPrice.IsPositive() {
			return NewValidationError("price update requires a positive price")
		}
	}

	if req.Type == OpStockTransfer && req.DestStoreID == "" {
		return NewValidationError("stock transfer requires a destination store")
	}
	return nil
}

// run executes the pipeline for one operation. It is the only goroutine that
// mutates the operation.
func (o *Orchestrator) run(op *Operation, callback CompletionCallback) {
	defer o.wg.Done()

	ctx := o.baseCtx
	useDistributed := o.cfg.LockingMode == ModeDistributed
	refreshVersion := op.ExpectedVersion == 0
	approvalChecked := false

	for {
		select {
		case <-ctx.Done():
			o.fail(op, nil, CauseShutdown, "engine shutting down", callback)
			return
		default:
		}

		record, err := o.storage.ReadCurrent(ctx, op.Key)
		if err != nil {
			if errors.Is(err, storage.ErrRecordNotFound) {
				o.fail(op, NewValidationError("no inventory record for "+op.Key.String()), CauseRecordNotFound, "", callback)
			} else {
				o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, CauseStorageWrite, "", callback)
			}
			return
		}

		if refreshVersion {
			op.update(func() { op.ExpectedVersion = record.Version })
			refreshVersion = false
		}
		op.update(func() { op.PreviousQuantity = record.Quantity })

		// Fail-fast validation before any locking
		if errs := o.validator.Validate(op, record, o.cfg); len(errs) > 0 {
			op.update(func() {
				op.BusinessRulesValidated = false
				op.ValidationErrors = errs
			})
			o.fail(op, &ValidationError{Errors: errs}, "", "", callback)
			return
		}
		op.update(func() {
			op.BusinessRulesValidated = true
			op.ValidationErrors = nil
			op.appendTrail("business_rules_validated", "engine", nil)
		})

		if !approvalChecked {
			approvalChecked = true
			score := o.scorer.Score(op, o.cfg)
			op.update(func() {
				op.RiskScore = score
				op.appendTrail("risk_scored", "engine", map[string]any{"score": score})
			})

			if o.needsApproval(op, score) {
				if !o.awaitApproval(ctx, op, callback) {
					return
				}
			}
		}

		var handle *LockHandle
		var lockedRecord storage.Record

		if useDistributed {
			handle, lockedRecord, err = o.acquireDistributed(ctx, op)
		} else {
			handle, lockedRecord, err = o.lockManager.Acquire(ctx, op.Key, op.ExpectedVersion, op.ID, o.cfg.LockTimeout)
		}

		if err != nil {
			switch e := err.(type) {
			case *VersionConflictError:
				if o.handleConflict(op, ConflictVersionMismatch, e.CurrentVersion, callback, &useDistributed, &refreshVersion) {
					return
				}
				continue
			case *LockHeldError:
				if o.handleHeldKey(op, e, callback, &useDistributed, &refreshVersion) {
					return
				}
				continue
			case *LockTimeoutError:
				o.fail(op, e, "", "", callback)
				return
			default:
				o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, CauseStorageWrite, "", callback)
				return
			}
		}

		mode := "optimistic"
		if handle.distToken != "" {
			mode = "distributed"
		}
		op.update(func() {
			op.Status = StatusLocked
			op.LockAcquiredAt = handle.AcquiredAt
			op.appendTrail("lock_acquired", "engine", map[string]any{
				"mode":    mode,
				"version": handle.Version,
			})
		})
		o.telemetry.RecordLockAcquired(ctx, mode)

		// Mandatory second validation against the record re-read during
		// acquisition: non-versioned side fields may have drifted since the
		// pre-lock read
		if errs := o.validator.Validate(op, lockedRecord, o.cfg); len(errs) > 0 {
			o.releaseHandle(ctx, op, handle)
			op.update(func() {
				op.BusinessRulesValidated = false
				op.ValidationErrors = errs
			})
			o.fail(op, &ValidationError{Errors: errs}, "", "", callback)
			return
		}

		op.update(func() {
			op.Status = StatusExecuting
			op.appendTrail("executing", "engine", nil)
		})

		// An expired handle is unusable for writes even if nothing else
		// touched the key
		if handle.Expired() {
			o.releaseHandle(ctx, op, handle)
			o.fail(op, &LockTimeoutError{Key: op.Key, OperationID: op.ID}, "", "", callback)
			return
		}

		quantity, meta := op.effect(lockedRecord)
		result, err := o.storage.WriteIfVersion(ctx, op.Key, handle.Version, quantity, meta)
		if err != nil {
			// Fatal for this attempt: the holder's intent is stale now
			o.releaseHandle(ctx, op, handle)
			o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
			return
		}
		if !result.OK {
			// The authoritative conflict detector fired: someone committed
			// between our read and our write
			o.releaseHandle(ctx, op, handle)
			if o.handleConflict(op, ConflictVersionMismatch, result.CurrentVersion, callback, &useDistributed, &refreshVersion) {
				return
			}
			continue
		}

		o.complete(ctx, op, handle, lockedRecord.Quantity, quantity, result.NewVersion, callback)
		return
	}
}

// acquireDistributed takes the external lock and re-reads the record under it.
// A busy lock is retryable, bounded by the same budget as optimistic retries.
func (o *Orchestrator) acquireDistributed(ctx context.Context, op *Operation) (*LockHandle, storage.Record, error) {
	for {
		token, err := o.distLock.Acquire(ctx, op.Key.String(), o.cfg.DistributedLockTTL)
		if err == nil {
			record, readErr := o.storage.ReadCurrent(ctx, op.Key)
			if readErr != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = o.distLock.Release(releaseCtx, op.Key.String(), token)
				cancel()
				return nil, storage.Record{}, readErr
			}

			now := time.Now()
			handle := &LockHandle{
				Key:         op.Key,
				OperationID: op.ID,
				Version:     record.Version,
				AcquiredAt:  now,
				ExpiresAt:   now.Add(o.cfg.DistributedLockTTL),
				distToken:   token,
			}
			return handle, record, nil
		}

		if !errors.Is(err, distlock.ErrBusy) {
			return nil, storage.Record{}, fmt.Errorf("distributed lock acquisition failed: %w", err)
		}

		var exhausted bool
		op.update(func() {
			op.RetryCount++
			exhausted = op.RetryCount >= op.MaxRetries
			op.appendTrail("lock_busy", "engine", map[string]any{"retry": op.RetryCount})
		})
		if exhausted {
			return nil, storage.Record{}, &LockTimeoutError{Key: op.Key, OperationID: op.ID}
		}
		if !o.sleepBackoff(ctx, op.RetryCount) {
			return nil, storage.Record{}, &LockTimeoutError{Key: op.Key, OperationID: op.ID}
		}
	}
}

// needsApproval decides whether the operation must pass the approval gate
func (o *Orchestrator) needsApproval(op *Operation, score int) bool {
	if o.gate == nil {
		return false
	}
	return op.ForceApproval || o.cfg.RequireApproval || score >= o.cfg.ApprovalRiskThreshold
}

// awaitApproval suspends the operation pending an asynchronous decision.
// Returns true when the pipeline may continue.
func (o *Orchestrator) awaitApproval(ctx context.Context, op *Operation, callback CompletionCallback) bool {
	req := approval.Request{
		OperationID: op.ID,
		Type:        string(op.Type),
		StoreID:     op.Key.StoreID,
		ProductID:   op.Key.ProductID,
		VariantID:   op.Key.VariantID,
		Delta:       op.Delta,
		UserID:      op.UserID,
		UserRole:    op.UserRole,
		RiskScore:   op.RiskScore,
		RequestedAt: time.Now(),
	}

	approvalID, decisions, err := o.gate.RequestApproval(ctx, req)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, CauseApprovalTimeout, "approval request failed", callback)
		return false
	}

	op.update(func() {
		op.ApprovalRequired = true
		op.ApprovalID = approvalID
		op.appendTrail("approval_requested", "engine", map[string]any{
			"approval_id": approvalID,
			"risk_score":  op.RiskScore,
		})
	})
	o.appendAudit(op, "approval_requested", "engine", map[string]any{
		"approval_id": approvalID,
		"risk_score":  op.RiskScore,
	})

	slog.Info("Operation suspended pending approval",
		"operation_id", op.ID,
		"approval_id", approvalID,
		"risk_score", op.RiskScore)

	timer := time.NewTimer(o.cfg.ApprovalTimeout)
	defer timer.Stop()

	select {
	case decision, ok := <-decisions:
		if !ok {
			o.telemetry.RecordApproval(ctx, "abandoned")
			o.fail(op, &ApprovalTimeoutError{ApprovalID: approvalID}, "", "", callback)
			return false
		}
		if !decision.Approved {
			o.telemetry.RecordApproval(ctx, "denied")
			o.fail(op, &ApprovalDeniedError{
				ApprovalID: approvalID,
				Approver:   decision.Approver,
				Comments:   decision.Comments,
			}, "", "", callback)
			return false
		}

		op.update(func() {
			op.ApprovedBy = decision.Approver
			op.appendTrail("approved", decision.Approver, map[string]any{"comments": decision.Comments})
		})
		o.appendAudit(op, "approved", decision.Approver, nil)
		o.telemetry.RecordApproval(ctx, "approved")
		return true

	case <-timer.C:
		if abandoner, ok := o.gate.(interface{ Abandon(string) }); ok {
			abandoner.Abandon(approvalID)
		}
		o.telemetry.RecordApproval(ctx, "timeout")
		o.fail(op, &ApprovalTimeoutError{ApprovalID: approvalID, Waited: o.cfg.ApprovalTimeout}, "", "", callback)
		return false

	case <-ctx.Done():
		o.fail(op, nil, CauseShutdown, "engine shutting down during approval wait", callback)
		return false
	}
}

// handleHeldKey routes an in-process lock collision. Nothing has committed, so
// the only sensible automatic action is a bounded retry.
func (o *Orchestrator) handleHeldKey(op *Operation, held *LockHeldError, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	winner := OperationRef{OperationID: held.HolderID}
	if holder, exists := o.registry.get(held.HolderID); exists {
		winner = holder.ref()
	}

	conflict := o.conflicts.Open(ConflictConcurrentAccess, op, winner, op.ExpectedVersion)
	o.history.RecordConflict(op.Key)
	o.telemetry.RecordConflict(o.baseCtx, string(ConflictConcurrentAccess))
	op.update(func() {
		op.ConflictDetected = true
		op.appendTrail("conflict_detected", "engine", map[string]any{
			"conflict_id":   conflict.ID,
			"conflict_type": string(ConflictConcurrentAccess),
			"holder":        held.HolderID,
		})
	})

	resolution := o.resolver.Resolve(op, conflict, o.cfg)
	return o.applyResolution(op, conflict, resolution, op.ExpectedVersion, callback, useDistributed, refreshVersion)
}

// handleConflict records a version mismatch and routes it through the resolver.
// Returns true when the pipeline is finished (terminal state reached).
func (o *Orchestrator) handleConflict(op *Operation, conflictType ConflictType, currentVersion int64, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	winner := OperationRef{}
	if winnerOp, exists := o.registry.CompetingOperation(op.Key, currentVersion); exists {
		winner = winnerOp.ref()
	}

	conflict := o.conflicts.Open(conflictType, op, winner, currentVersion)
	o.history.RecordConflict(op.Key)
	o.telemetry.RecordConflict(o.baseCtx, string(conflictType))
	op.update(func() {
		op.ConflictDetected = true
		op.appendTrail("conflict_detected", "engine", map[string]any{
			"conflict_id":      conflict.ID,
			"conflict_type":    string(conflictType),
			"stored_version":   currentVersion,
			"expected_version": op.ExpectedVersion,
		})
	})
	o.appendAudit(op, "conflict_detected", "engine", map[string]any{
		"conflict_id":    conflict.ID,
		"conflict_type":  string(conflictType),
		"stored_version": currentVersion,
	})

	// Contention alerting: sustained conflict pressure on one key points at
	// either a hot product or abusive automation
	recent := o.conflicts.CountSince(op.Key, time.Now().Add(-o.cfg.ConflictRateWindow))
	if recent >= o.cfg.ConflictRateAlertThreshold {
		slog.Warn("Conflict rate threshold exceeded for key",
			"key", op.Key.String(),
			"recent_conflicts", recent,
			"window", o.cfg.ConflictRateWindow.String())
		o.conflicts.Escalate(conflict.ID, true)
	}

	resolution := o.resolver.Resolve(op, conflict, o.cfg)
	return o.applyResolution(op, conflict, resolution, currentVersion, callback, useDistributed, refreshVersion)
}

// applyResolution carries out the resolver's verdict. Returns true when the
// pipeline is finished.
func (o *Orchestrator) applyResolution(op *Operation, conflict *Conflict, resolution Resolution, currentVersion int64, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	op.update(func() {
		op.Resolution = resolution.Action
		op.appendTrail("conflict_resolution", "engine", map[string]any{
			"conflict_id": conflict.ID,
			"action":      string(resolution.Action),
			"reason":      resolution.Reason,
		})
	})
	o.telemetry.RecordResolution(o.baseCtx, string(resolution.Action))
	o.appendAudit(op, "conflict_resolution", "engine", map[string]any{
		"conflict_id": conflict.ID,
		"action":      string(resolution.Action),
		"reason":      resolution.Reason,
	})

	switch resolution.Action {
	case ActionFail:
		o.conflicts.Escalate(conflict.ID, false)
		o.fail(op, &VersionConflictError{
			Key:             op.Key,
			ExpectedVersion: op.ExpectedVersion,
			CurrentVersion:  currentVersion,
			ConflictID:      conflict.ID,
		}, "", "", callback)
		return true

	case ActionMerge:
		return o.applyMerge(op, conflict, resolution.Strategy, callback, useDistributed, refreshVersion)

	case ActionOverride:
		return o.applyOverride(op, conflict, callback, useDistributed, refreshVersion)

	default: // ActionRetry
		return o.scheduleRetry(op, conflict, currentVersion, callback, useDistributed, refreshVersion)
	}
}

// scheduleRetry consumes one retry from the budget. When the budget is gone it
// either escalates to the distributed fallback (if configured) or fails.
func (o *Orchestrator) scheduleRetry(op *Operation, conflict *Conflict, currentVersion int64, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	var exhausted bool
	op.update(func() {
		op.RetryCount++
		exhausted = op.RetryCount >= op.MaxRetries
	})

	if exhausted {
		if o.cfg.LockingMode == ModeOptimisticThenDistributed && !*useDistributed {
			*useDistributed = true
			*refreshVersion = true
			op.update(func() {
				op.appendTrail("escalated_to_distributed_lock", "engine", map[string]any{
					"after_attempts": op.RetryCount,
				})
			})
			o.appendAudit(op, "escalated_to_distributed_lock", "engine", nil)
			o.conflicts.Resolve(conflict.ID, ActionRetry, "engine", 0)
			slog.Info("Escalating to distributed lock",
				"operation_id", op.ID,
				"key", op.Key.String(),
				"after_attempts", op.RetryCount)
			return false
		}

		o.conflicts.Escalate(conflict.ID, false)
		o.fail(op, &VersionConflictError{
			Key:             op.Key,
			ExpectedVersion: op.ExpectedVersion,
			CurrentVersion:  currentVersion,
			ConflictID:      conflict.ID,
		}, CauseRetriesExhausted, fmt.Sprintf("retry budget of %d attempts exhausted", op.MaxRetries), callback)
		return true
	}

	o.conflicts.Resolve(conflict.ID, ActionRetry, "engine", 0)
	*refreshVersion = true

	if !o.sleepBackoff(o.baseCtx, op.RetryCount) {
		o.fail(op, nil, CauseShutdown, "engine shutting down during retry backoff", callback)
		return true
	}
	return false
}

// applyMerge combines the conflicting deltas deterministically and commits the
// merged quantity against the freshest version. Returns true when the pipeline
// is finished.
func (o *Orchestrator) applyMerge(op *Operation, conflict *Conflict, strategy MergeStrategy, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	ctx := o.baseCtx

	fresh, err := o.storage.ReadCurrent(ctx, op.Key)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
		return true
	}

	loserIsLatest := true
	if winnerOp, exists := o.registry.get(conflict.Winner.OperationID); exists {
		loserIsLatest = op.StartedAt.After(winnerOp.Snapshot().StartedAt)
	}

	in := MergeInput{
		CurrentQuantity: fresh.Quantity,
		StaleQuantity:   op.PreviousQuantity,
		LoserDelta:      op.signedDelta(),
		LoserIntended:   op.PreviousQuantity + op.signedDelta(),
		LoserIsLatest:   loserIsLatest,
	}

	merged, err := o.resolver.Merge(strategy, in)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
		return true
	}

	if merged < 0 && !o.cfg.AllowNegativeStock {
		o.conflicts.Escalate(conflict.ID, false)
		o.fail(op, NewValidationError(fmt.Sprintf("merged quantity %d would be negative", merged)), "", "", callback)
		return true
	}

	result, err := o.storage.WriteIfVersion(ctx, op.Key, fresh.Version, merged, fresh.Metadata)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
		return true
	}
	if !result.OK {
		// Another writer slipped in during the merge; spend a retry
		return o.scheduleRetry(op, conflict, result.CurrentVersion, callback, useDistributed, refreshVersion)
	}

	discarded := int64(0)
	if merged == in.CurrentQuantity && op.signedDelta() != 0 {
		discarded = op.signedDelta()
	}
	o.conflicts.Resolve(conflict.ID, ActionMerge, "engine", discarded)

	op.update(func() {
		op.PreviousQuantity = fresh.Quantity
		op.appendTrail("merged", "engine", map[string]any{
			"conflict_id": conflict.ID,
			"strategy":    string(strategy),
			"merged":      merged,
		})
	})

	o.complete(ctx, op, nil, fresh.Quantity, merged, result.NewVersion, callback)
	return true
}

// applyOverride force-applies the operation's original intent over the
// competing write. The losing operation, when known, is marked rolled back and
// the discarded delta is documented on the conflict record.
func (o *Orchestrator) applyOverride(op *Operation, conflict *Conflict, callback CompletionCallback, useDistributed, refreshVersion *bool) bool {
	ctx := o.baseCtx

	fresh, err := o.storage.ReadCurrent(ctx, op.Key)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
		return true
	}

	// Replay the original intent, ignoring the competing delta
	staleView := fresh
	staleView.Quantity = op.PreviousQuantity
	quantity, meta := op.effect(staleView)

	result, err := o.storage.WriteIfVersion(ctx, op.Key, fresh.Version, quantity, meta)
	if err != nil {
		o.fail(op, &StorageWriteError{Key: op.Key, Err: err}, "", "", callback)
		return true
	}
	if !result.OK {
		return o.scheduleRetry(op, conflict, result.CurrentVersion, callback, useDistributed, refreshVersion)
	}

	discarded := fresh.Quantity - op.PreviousQuantity
	o.conflicts.Resolve(conflict.ID, ActionOverride, op.UserID, discarded)

	if loser, exists := o.registry.get(conflict.Winner.OperationID); exists {
		loser.update(func() {
			loser.Status = StatusRolledBack
			loser.EndedAt = time.Now()
			loser.FailureCause = CauseOverridden
			loser.appendTrail("rolled_back", op.UserID, map[string]any{
				"overridden_by": op.ID,
				"conflict_id":   conflict.ID,
			})
		})
		o.appendAudit(loser, "rolled_back", op.UserID, map[string]any{
			"overridden_by":   op.ID,
			"conflict_id":     conflict.ID,
			"discarded_delta": discarded,
		})
		o.telemetry.RecordFinished(ctx, string(loser.Snapshot().Type), string(StatusRolledBack), CauseOverridden)
	}

	op.update(func() {
		op.appendTrail("override_applied", op.UserID, map[string]any{
			"conflict_id":     conflict.ID,
			"discarded_delta": discarded,
		})
	})

	o.complete(ctx, op, nil, op.PreviousQuantity, quantity, result.NewVersion, callback)
	return true
}

// releaseHandle frees either kind of lock and records the hold duration
func (o *Orchestrator) releaseHandle(ctx context.Context, op *Operation, handle *LockHandle) {
	if handle == nil {
		return
	}

	if handle.distToken != "" {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.distLock.Release(releaseCtx, handle.Key.String(), handle.distToken); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
			slog.Error("Failed to release distributed lock", "key", handle.Key.String(), "error", err)
		}
		cancel()
	} else {
		o.lockManager.Release(handle)
	}

	op.update(func() { op.LockReleasedAt = time.Now() })
	o.telemetry.RecordLockReleased(ctx, time.Since(handle.AcquiredAt))
}

// complete finalizes a successful write
func (o *Orchestrator) complete(ctx context.Context, op *Operation, handle *LockHandle, previousQuantity, newQuantity, newVersion int64, callback CompletionCallback) {
	var alreadyTerminal bool
	op.update(func() {
		if op.Status.Terminal() {
			alreadyTerminal = true
			return
		}
		op.Status = StatusCompleted
		op.PreviousQuantity = previousQuantity
		op.NewQuantity = newQuantity
		op.AppliedVersion = newVersion
		op.EndedAt = time.Now()
		op.appendTrail("completed", "engine", map[string]any{
			"previous_quantity": previousQuantity,
			"new_quantity":      newQuantity,
			"applied_version":   newVersion,
		})
	})

	o.releaseHandle(ctx, op, handle)

	if alreadyTerminal {
		// The watchdog failed this operation while the write was in flight;
		// the committed write stands, but the recorded outcome must not flip
		return
	}

	op.update(func() { op.Signature = o.signOperation(op) })

	o.history.RecordOperation(op.Key, op.magnitude())
	o.appendAudit(op, "operation_completed", "engine", map[string]any{
		"previous_quantity": previousQuantity,
		"new_quantity":      newQuantity,
		"applied_version":   newVersion,
		"retry_count":       op.RetryCount,
		"signature":         op.Signature,
	})
	o.telemetry.RecordFinished(ctx, string(op.Type), string(StatusCompleted), "")

	slog.Info("Operation completed",
		"operation_id", op.ID,
		"type", op.Type,
		"key", op.Key.String(),
		"previous_quantity", previousQuantity,
		"new_quantity", newQuantity,
		"applied_version", newVersion,
		"retry_count", op.RetryCount,
		"duration", op.Snapshot().Duration().String())

	if callback != nil {
		callback(op.Snapshot())
	}

	o.submitTransferLeg(op)
}

// submitTransferLeg submits the linked stock increase at the destination store
// once the source side of a transfer committed
func (o *Orchestrator) submitTransferLeg(op *Operation) {
	if op.Type != OpStockTransfer || op.DestStoreID == "" {
		return
	}

	destID, err := o.Submit(o.baseCtx, SubmitRequest{
		Type:      OpStockIncrease,
		StoreID:   op.DestStoreID,
		ProductID: op.Key.ProductID,
		VariantID: op.Key.VariantID,
		Quantity:  op.Delta,
		UserID:    op.UserID,
		UserRole:  op.UserRole,
		OrderRef:  op.OrderRef,
	})
	if err != nil {
		slog.Error("Failed to submit transfer destination leg",
			"operation_id", op.ID,
			"dest_store", op.DestStoreID,
			"error", err)
		o.appendAudit(op, "transfer_destination_failed", "engine", map[string]any{"error": err.Error()})
		return
	}

	op.update(func() {
		op.appendTrail("transfer_destination_submitted", "engine", map[string]any{
			"destination_operation_id": destID,
			"dest_store":               op.DestStoreID,
		})
	})
}

// fail moves the operation to its failed terminal state. cause and detail
// override the defaults derived from err.
func (o *Orchestrator) fail(op *Operation, err error, cause, detail string, callback CompletionCallback) {
	if cause == "" && err != nil {
		cause = causeOf(err)
	}
	if detail == "" && err != nil {
		detail = err.Error()
	}

	var alreadyTerminal bool
	op.update(func() {
		if op.Status.Terminal() {
			alreadyTerminal = true
			return
		}
		op.Status = StatusFailed
		op.EndedAt = time.Now()
		op.FailureCause = cause
		op.FailureDetail = detail
		op.appendTrail("failed", "engine", map[string]any{
			"cause":  cause,
			"detail": detail,
		})
	})
	if alreadyTerminal {
		return
	}

	o.appendAudit(op, "operation_failed", "engine", map[string]any{
		"cause":       cause,
		"detail":      detail,
		"retry_count": op.RetryCount,
	})
	o.telemetry.RecordFinished(o.baseCtx, string(op.Type), string(StatusFailed), cause)

	slog.Warn("Operation failed",
		"operation_id", op.ID,
		"type", op.Type,
		"key", op.Key.String(),
		"cause", cause,
		"detail", detail)

	if callback != nil {
		callback(op.Snapshot())
	}
}

// handleLockExpiry is the watchdog callback: the holder missed its deadline,
// so the operation is failed with a timeout cause
func (o *Orchestrator) handleLockExpiry(handle *LockHandle) {
	o.telemetry.RecordLockTimeout(o.baseCtx)
	o.telemetry.RecordLockReleased(o.baseCtx, time.Since(handle.AcquiredAt))

	op, exists := o.registry.get(handle.OperationID)
	if !exists || op.CurrentStatus().Terminal() {
		return
	}

	o.fail(op, &LockTimeoutError{Key: handle.Key, OperationID: handle.OperationID}, "", "", nil)
}

// signOperation computes the digital signature over the operation's final state
func (o *Orchestrator) signOperation(op *Operation) string {
	return audit.Sign(audit.Entry{
		Timestamp:   op.EndedAt,
		OperationID: op.ID,
		Action:      string(op.Status),
		Actor:       op.UserID,
		StoreID:     op.Key.StoreID,
		ProductID:   op.Key.ProductID,
		Details: map[string]any{
			"type":             string(op.Type),
			"new_quantity":     op.NewQuantity,
			"applied_version":  op.AppliedVersion,
			"previous_version": op.ExpectedVersion,
		},
	}, o.signingKey)
}

// appendAudit sends a signed entry to the audit sink; failures there never
// reach the business operation
func (o *Orchestrator) appendAudit(op *Operation, action, actor string, details map[string]any) {
	entry := audit.Entry{
		Timestamp:   time.Now(),
		OperationID: op.ID,
		Action:      action,
		Actor:       actor,
		StoreID:     op.Key.StoreID,
		ProductID:   op.Key.ProductID,
		Details:     details,
	}
	entry.Signature = audit.Sign(entry, o.signingKey)
	o.auditor.Append(entry)
}

// sleepBackoff waits the configured delay before the next attempt; returns
// false when the engine is shutting down
func (o *Orchestrator) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := o.cfg.retryDelayFor(attempt - 1)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// evictConflicts periodically drops resolved conflicts past retention
func (o *Orchestrator) evictConflicts() {
	for {
		select {
		case <-o.evictTicker.C:
			o.conflicts.Evict()
		case <-o.stopEvict:
			return
		}
	}
}
