package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManualGate is an in-process Gate where decisions arrive through Decide, e.g.
// from the admin HTTP endpoint or a bot command handler.
type ManualGate struct {
	mu      sync.Mutex
	pending map[string]pendingApproval
}

type pendingApproval struct {
	request   Request
	decisions chan Decision
}

// NewManualGate creates a new manual approval gate
func NewManualGate() *ManualGate {
	return &ManualGate{
		pending: make(map[string]pendingApproval),
	}
}

// RequestApproval registers a pending approval and returns its decision channel
func (g *ManualGate) RequestApproval(_ context.Context, req Request) (string, <-chan Decision, error) {
	approvalID := uuid.New().String()
	decisions := make(chan Decision, 1)

	g.mu.Lock()
	g.pending[approvalID] = pendingApproval{request: req, decisions: decisions}
	g.mu.Unlock()

	slog.Info("Approval requested",
		"approval_id", approvalID,
		"operation_id", req.OperationID,
		"type", req.Type,
		"risk_score", req.RiskScore,
		"user_id", req.UserID)

	return approvalID, decisions, nil
}

// Decide resolves a pending approval. Deciding an unknown or already-decided
// approval returns an error.
func (g *ManualGate) Decide(approvalID string, approved bool, approver, comments string) error {
	g.mu.Lock()
	entry, exists := g.pending[approvalID]
	if exists {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if !exists {
		return fmt.Errorf("unknown or already decided approval: %s", approvalID)
	}

	entry.decisions <- Decision{
		ApprovalID: approvalID,
		Approved:   approved,
		Approver:   approver,
		Comments:   comments,
	}
	close(entry.decisions)

	slog.Info("Approval decided",
		"approval_id", approvalID,
		"operation_id", entry.request.OperationID,
		"approved", approved,
		"approver", approver)

	return nil
}

// PendingRequest pairs a waiting request with its approval id
type PendingRequest struct {
	ApprovalID string
	Request
}

// Pending returns the currently undecided approval requests
func (g *ManualGate) Pending() []PendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	requests := make([]PendingRequest, 0, len(g.pending))
	for id, entry := range g.pending {
		requests = append(requests, PendingRequest{ApprovalID: id, Request: entry.request})
	}
	return requests
}

// Abandon drops a pending approval whose operation stopped waiting (e.g. after
// an approval timeout). The decision channel is closed without a decision.
func (g *ManualGate) Abandon(approvalID string) {
	g.mu.Lock()
	entry, exists := g.pending[approvalID]
	if exists {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if exists {
		close(entry.decisions)
		slog.Warn("Approval abandoned", "approval_id", approvalID, "operation_id", entry.request.OperationID)
	}
}

// AutoGate approves or denies everything after an optional delay. Test helper.
type AutoGate struct {
	Approve  bool
	Approver string
	Delay    time.Duration
}

// RequestApproval answers immediately (or after Delay) with the fixed outcome
func (g *AutoGate) RequestApproval(_ context.Context, req Request) (string, <-chan Decision, error) {
	approvalID := uuid.New().String()
	decisions := make(chan Decision, 1)

	go func() {
		if g.Delay > 0 {
			time.Sleep(g.Delay)
		}
		decisions <- Decision{
			ApprovalID: approvalID,
			Approved:   g.Approve,
			Approver:   g.Approver,
		}
		close(decisions)
	}()

	return approvalID, decisions, nil
}
