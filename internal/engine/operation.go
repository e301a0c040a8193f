package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"inventory-ops-engine/internal/storage"
)

// OperationType enumerates the supported inventory mutations
type OperationType string

const (
	OpStockIncrease   OperationType = "stock_increase"
	OpStockDecrease   OperationType = "stock_decrease"
	OpStockTransfer   OperationType = "stock_transfer"
	OpStockAdjustment OperationType = "stock_adjustment"
	OpReservation     OperationType = "reservation"
	OpRelease         OperationType = "release"
	OpPriceUpdate     OperationType = "price_update"
	OpActivation      OperationType = "activation"
	OpDeactivation    OperationType = "deactivation"
)

// Valid reports whether the operation type is known
func (t OperationType) Valid() bool {
	switch t {
	case OpStockIncrease, OpStockDecrease, OpStockTransfer, OpStockAdjustment,
		OpReservation, OpRelease, OpPriceUpdate, OpActivation, OpDeactivation:
		return true
	}
	return false
}

// ChangesQuantity reports whether the type mutates the stored quantity
func (t OperationType) ChangesQuantity() bool {
	switch t {
	case OpStockIncrease, OpStockDecrease, OpStockTransfer, OpStockAdjustment:
		return true
	}
	return false
}

// Mergeable reports whether conflicting deltas of this type can be merged.
// Only commutative quantity deltas qualify.
func (t OperationType) Mergeable() bool {
	return t.ChangesQuantity()
}

// OperationStatus is the lifecycle state of an operation
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusLocked     OperationStatus = "locked"
	StatusExecuting  OperationStatus = "executing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusRolledBack OperationStatus = "rolled_back"
)

// Terminal reports whether the status is final
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// TrailEntry is one step of an operation's append-only audit trail
type TrailEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// Operation is a single mutation attempt. It is mutated only by the
// orchestrator pipeline that owns it; everything else reads point-in-time
// copies via Snapshot.
type Operation struct {
	mu *sync.RWMutex

	ID          string            `json:"id"`
	Type        OperationType     `json:"type"`
	Key         storage.RecordKey `json:"key"`
	DestStoreID string            `json:"destStoreId,omitempty"`

	Delta    int64           `json:"delta"`
	NewPrice decimal.Decimal `json:"newPrice,omitempty"`

	PreviousQuantity int64 `json:"previousQuantity"`
	NewQuantity      int64 `json:"newQuantity"`

	ExpectedVersion int64 `json:"expectedVersion"`
	AppliedVersion  int64 `json:"appliedVersion,omitempty"`

	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt,omitempty"`
	LockAcquiredAt time.Time `json:"lockAcquiredAt,omitempty"`
	LockReleasedAt time.Time `json:"lockReleasedAt,omitempty"`

	Status OperationStatus `json:"status"`

	UserID           string `json:"userId"`
	UserRole         string `json:"userRole"`
	RiskScore        int    `json:"riskScore"`
	ApprovalRequired bool   `json:"approvalRequired"`
	ApprovalID       string `json:"approvalId,omitempty"`
	ApprovedBy       string `json:"approvedBy,omitempty"`
	ForceApproval    bool   `json:"forceApproval,omitempty"`
	ForceOverride    bool   `json:"forceOverride,omitempty"`

	Signature string `json:"signature,omitempty"`

	BusinessRulesValidated bool     `json:"businessRulesValidated"`
	ValidationErrors       []string `json:"validationErrors,omitempty"`

	ConflictDetected bool             `json:"conflictDetected"`
	Resolution       ResolutionAction `json:"resolution,omitempty"`
	RetryCount       int              `json:"retryCount"`
	MaxRetries       int              `json:"maxRetries"`

	FailureCause  string `json:"failureCause,omitempty"`
	FailureDetail string `json:"failureDetail,omitempty"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	OrderRef       string `json:"orderRef,omitempty"`

	Trail []TrailEntry `json:"auditTrail"`
}

// newOperation builds a pending operation from a submit request
func newOperation(req SubmitRequest, maxRetries int) *Operation {
	return &Operation{
		mu:     &sync.RWMutex{},
		ID:     uuid.New().String(),
		Type:   req.Type,
		Key:    storage.RecordKey{StoreID: req.StoreID, ProductID: req.ProductID, VariantID: req.VariantID},
		DestStoreID: req.DestStoreID,
		Delta:       req.Quantity,
		NewPrice:    req.NewPrice,
		ExpectedVersion: req.ExpectedVersion,
		StartedAt:       time.Now(),
		Status:          StatusPending,
		UserID:          req.UserID,
		UserRole:        req.UserRole,
		ForceApproval:   req.ForceApproval,
		ForceOverride:   req.ForceOverride,
		MaxRetries:      maxRetries,
		IdempotencyKey:  req.IdempotencyKey,
		OrderRef:        req.OrderRef,
	}
}

// update runs fn while holding the operation's write lock
func (op *Operation) update(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	fn()
}

// Snapshot returns a consistent point-in-time copy of the operation
func (op *Operation) Snapshot() Operation {
	op.mu.RLock()
	defer op.mu.RUnlock()

	cp := *op
	cp.Trail = append([]TrailEntry(nil), op.Trail...)
	cp.ValidationErrors = append([]string(nil), op.ValidationErrors...)
	return cp
}

// CurrentStatus returns the operation's status
func (op *Operation) CurrentStatus() OperationStatus {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.Status
}

// Duration returns how long the operation ran (or has been running)
func (op Operation) Duration() time.Duration {
	if op.EndedAt.IsZero() {
		return time.Since(op.StartedAt)
	}
	return op.EndedAt.Sub(op.StartedAt)
}

// appendTrail records a trail entry; callers must hold op.mu
func (op *Operation) appendTrail(action, actor string, details map[string]any) {
	op.Trail = append(op.Trail, TrailEntry{
		Timestamp: time.Now(),
		Action:    action,
		Actor:     actor,
		Details:   details,
	})
}

// effect computes the record state this operation intends, given the current
// record. It returns the intended quantity and metadata; quantity arithmetic
// follows the operation type's definition.
func (op *Operation) effect(current storage.Record) (int64, storage.Metadata) {
	quantity := current.Quantity
	meta := current.Metadata

	switch op.Type {
	case OpStockIncrease:
		quantity = current.Quantity + op.Delta
	case OpStockDecrease, OpStockTransfer:
		quantity = current.Quantity - op.Delta
	case OpStockAdjustment:
		// Adjustment deltas are signed corrections
		quantity = current.Quantity + op.Delta
	case OpReservation:
		meta.Reserved = current.Metadata.Reserved + op.Delta
	case OpRelease:
		meta.Reserved = current.Metadata.Reserved - op.Delta
	case OpPriceUpdate:
		meta.Price = op.NewPrice
	case OpActivation:
		meta.Active = true
	case OpDeactivation:
		meta.Active = false
	}

	return quantity, meta
}

// signedDelta is the quantity change this operation applies (zero for
// non-quantity types)
func (op *Operation) signedDelta() int64 {
	switch op.Type {
	case OpStockIncrease:
		return op.Delta
	case OpStockDecrease, OpStockTransfer:
		return -op.Delta
	case OpStockAdjustment:
		return op.Delta
	}
	return 0
}

// magnitude is the absolute size of the mutation, used for risk scoring
func (op *Operation) magnitude() int64 {
	d := op.Delta
	if d < 0 {
		d = -d
	}
	return d
}

// ref returns the minimal identity recorded on conflict records
func (op *Operation) ref() OperationRef {
	return OperationRef{
		OperationID:     op.ID,
		UserID:          op.UserID,
		ExpectedVersion: op.ExpectedVersion,
		Type:            op.Type,
	}
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s on %s by %s", op.ID, op.Type, op.Key.String(), op.UserID)
}
