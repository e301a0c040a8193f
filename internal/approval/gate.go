// Package approval models the human-in-the-loop checkpoint for high-risk
// mutations. The real workflow (notifications, admin UI) lives outside the
// engine; the engine only submits a summary and waits for a decision.
package approval

import (
	"context"
	"time"
)

// Request is the operation summary sent to the approval workflow
type Request struct {
	OperationID string    `json:"operationId"`
	Type        string    `json:"type"`
	StoreID     string    `json:"storeId"`
	ProductID   string    `json:"productId"`
	VariantID   string    `json:"variantId,omitempty"`
	Delta       int64     `json:"delta"`
	UserID      string    `json:"userId"`
	UserRole    string    `json:"userRole"`
	RiskScore   int       `json:"riskScore"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Decision is the asynchronous approve/deny outcome
type Decision struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
	Approver   string `json:"approver"`
	Comments   string `json:"comments,omitempty"`
}

// Gate suspends an operation pending an asynchronous approve/deny decision.
// The returned channel delivers exactly one Decision; the caller owns the wait
// and its timeout.
type Gate interface {
	RequestApproval(ctx context.Context, req Request) (approvalID string, decisions <-chan Decision, err error)
}
