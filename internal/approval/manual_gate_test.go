package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() Request {
	return Request{
		OperationID: "op-1",
		Type:        "stock_decrease",
		StoreID:     "store-1",
		ProductID:   "prod-1",
		Delta:       -500,
		UserID:      "clerk-7",
		UserRole:    "clerk",
		RiskScore:   72,
		RequestedAt: time.Now(),
	}
}

func TestManualGate_DecideDeliversDecision(t *testing.T) {
	// Arrange
	gate := NewManualGate()
	approvalID, decisions, err := gate.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.NotEmpty(t, approvalID)

	// Act
	err = gate.Decide(approvalID, true, "manager-1", "verified against shipment manifest")
	require.NoError(t, err)

	// Assert
	select {
	case decision, ok := <-decisions:
		require.True(t, ok)
		assert.Equal(t, approvalID, decision.ApprovalID)
		assert.True(t, decision.Approved)
		assert.Equal(t, "manager-1", decision.Approver)
		assert.Equal(t, "verified against shipment manifest", decision.Comments)
	case <-time.After(time.Second):
		t.Fatal("decision was not delivered")
	}
	assert.Empty(t, gate.Pending())
}

func TestManualGate_DecideTwiceFails(t *testing.T) {
	gate := NewManualGate()
	approvalID, _, err := gate.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)

	require.NoError(t, gate.Decide(approvalID, false, "manager-1", ""))
	assert.Error(t, gate.Decide(approvalID, true, "manager-2", ""))
}

func TestManualGate_DecideUnknownApprovalFails(t *testing.T) {
	gate := NewManualGate()

	assert.Error(t, gate.Decide("no-such-approval", true, "manager-1", ""))
}

func TestManualGate_PendingListsUndecidedRequests(t *testing.T) {
	gate := NewManualGate()
	firstID, _, err := gate.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)
	second := sampleRequest()
	second.OperationID = "op-2"
	secondID, _, err := gate.RequestApproval(context.Background(), second)
	require.NoError(t, err)

	pending := gate.Pending()
	require.Len(t, pending, 2)
	ids := map[string]string{}
	for _, p := range pending {
		ids[p.ApprovalID] = p.OperationID
	}
	assert.Equal(t, "op-1", ids[firstID])
	assert.Equal(t, "op-2", ids[secondID])

	require.NoError(t, gate.Decide(firstID, true, "manager-1", ""))
	assert.Len(t, gate.Pending(), 1)
}

func TestManualGate_AbandonClosesChannelWithoutDecision(t *testing.T) {
	gate := NewManualGate()
	approvalID, decisions, err := gate.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)

	gate.Abandon(approvalID)

	select {
	case _, ok := <-decisions:
		assert.False(t, ok, "abandoned channel must close without delivering a decision")
	case <-time.After(time.Second):
		t.Fatal("abandoned channel was not closed")
	}
	assert.Empty(t, gate.Pending())
	assert.Error(t, gate.Decide(approvalID, true, "manager-1", ""))
}

func TestAutoGate_AnswersWithFixedOutcome(t *testing.T) {
	gate := &AutoGate{Approve: true, Approver: "lead"}
	approvalID, decisions, err := gate.RequestApproval(context.Background(), sampleRequest())
	require.NoError(t, err)

	select {
	case decision := <-decisions:
		assert.Equal(t, approvalID, decision.ApprovalID)
		assert.True(t, decision.Approved)
		assert.Equal(t, "lead", decision.Approver)
	case <-time.After(time.Second):
		t.Fatal("auto gate did not answer")
	}
}
