package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitOperationRequest is the payload for POST /v1/operations
type SubmitOperationRequest struct {
	Type      string `json:"type"`
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`

	DestStoreID string `json:"destStoreId,omitempty"`

	Quantity int64           `json:"quantity,omitempty"`
	NewPrice decimal.Decimal `json:"newPrice,omitempty"`

	UserID   string `json:"userId"`
	UserRole string `json:"userRole,omitempty"`

	// ExpectedVersion is the version the client last read; zero lets the
	// engine adopt the current one
	ExpectedVersion int64 `json:"expectedVersion,omitempty"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	OrderRef       string `json:"orderRef,omitempty"`

	MaxRetries *int `json:"maxRetries,omitempty"`

	ForceApproval bool `json:"forceApproval,omitempty"`
	ForceOverride bool `json:"forceOverride,omitempty"`
}

// SubmitOperationResponse acknowledges acceptance of one operation
type SubmitOperationResponse struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// BatchSubmitRequest carries multiple operations submitted together. Each
// entry is accepted or rejected independently.
type BatchSubmitRequest struct {
	Operations []SubmitOperationRequest `json:"operations"`
}

// BatchEntryResult reports the outcome of one batch entry
type BatchEntryResult struct {
	Index       int    `json:"index"`
	OperationID string `json:"operationId,omitempty"`
	Accepted    bool   `json:"accepted"`
	Error       string `json:"error,omitempty"`
}

// BatchSubmitResponse summarizes a batch submission
type BatchSubmitResponse struct {
	Results  []BatchEntryResult `json:"results"`
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
}

// TrailEntryView is one step of an operation's audit trail
type TrailEntryView struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// OperationResponse is the full state of an operation as returned by
// GET /v1/operations/{operationId}
type OperationResponse struct {
	OperationID string `json:"operationId"`
	Type        string `json:"type"`
	Status      string `json:"status"`

	StoreID     string `json:"storeId"`
	ProductID   string `json:"productId"`
	VariantID   string `json:"variantId,omitempty"`
	DestStoreID string `json:"destStoreId,omitempty"`

	Delta    int64           `json:"delta,omitempty"`
	NewPrice decimal.Decimal `json:"newPrice,omitempty"`

	PreviousQuantity int64 `json:"previousQuantity"`
	NewQuantity      int64 `json:"newQuantity"`
	ExpectedVersion  int64 `json:"expectedVersion"`
	AppliedVersion   int64 `json:"appliedVersion,omitempty"`

	UserID    string `json:"userId"`
	UserRole  string `json:"userRole,omitempty"`
	RiskScore int    `json:"riskScore"`

	ApprovalRequired bool   `json:"approvalRequired"`
	ApprovalID       string `json:"approvalId,omitempty"`
	ApprovedBy       string `json:"approvedBy,omitempty"`

	ConflictDetected bool   `json:"conflictDetected"`
	Resolution       string `json:"resolution,omitempty"`
	RetryCount       int    `json:"retryCount"`

	FailureCause  string `json:"failureCause,omitempty"`
	FailureDetail string `json:"failureDetail,omitempty"`

	Signature string `json:"signature,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	DurationMs int64      `json:"durationMs"`

	AuditTrail []TrailEntryView `json:"auditTrail"`
}

// InventoryRecordResponse is the read model for GET /v1/inventory/...
type InventoryRecordResponse struct {
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`

	Quantity  int64 `json:"quantity"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`

	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConflictResponse is the admin view of a recorded conflict
type ConflictResponse struct {
	ConflictID string `json:"conflictId"`
	Type       string `json:"type"`
	Impact     string `json:"impact"`

	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`

	WinnerOperationID string `json:"winnerOperationId,omitempty"`
	LoserOperationID  string `json:"loserOperationId"`

	StoredVersion   int64 `json:"storedVersion"`
	ExpectedVersion int64 `json:"expectedVersion"`

	Resolved       bool       `json:"resolved"`
	Strategy       string     `json:"strategy,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	DiscardedDelta int64      `json:"discardedDelta,omitempty"`

	FraudSuspected        bool `json:"fraudSuspected"`
	InvestigationRequired bool `json:"investigationRequired"`

	DetectedAt time.Time `json:"detectedAt"`
}

// PendingApprovalResponse is one operation awaiting a decision
type PendingApprovalResponse struct {
	ApprovalID  string    `json:"approvalId"`
	OperationID string    `json:"operationId"`
	Type        string    `json:"type"`
	StoreID     string    `json:"storeId"`
	ProductID   string    `json:"productId"`
	VariantID   string    `json:"variantId,omitempty"`
	Delta       int64     `json:"delta"`
	UserID      string    `json:"userId"`
	UserRole    string    `json:"userRole,omitempty"`
	RiskScore   int       `json:"riskScore"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ApprovalDecisionRequest is the payload for deciding a pending approval
type ApprovalDecisionRequest struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
}

// HealthResponse reports process health plus a few engine gauges
type HealthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	ActiveOperations int       `json:"activeOperations"`
	ActiveLocks      int64     `json:"activeLocks"`
	RecordCount      int       `json:"recordCount,omitempty"`
}

// ErrorDetail provides structured error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the uniform error envelope
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse creates a standardized error response
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
