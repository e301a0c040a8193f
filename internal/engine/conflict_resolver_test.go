package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(t *testing.T) *ConflictResolver {
	t.Helper()
	return NewConflictResolver(NewConflictStore(0))
}

func testConflict(conflictType ConflictType) *Conflict {
	return &Conflict{
		ID:     "c-1",
		Type:   conflictType,
		Winner: OperationRef{OperationID: "winner-op"},
		Loser:  OperationRef{OperationID: "loser-op"},
	}
}

func TestResolver_ConcurrentAccessAlwaysRetries(t *testing.T) {
	resolver := testResolver(t)
	op := &Operation{Type: OpStockDecrease, ForceOverride: true, UserRole: "admin"}
	cfg := DefaultLockConfig()
	cfg.ConflictResolution = ActionFail

	// Even a force-applying admin under a fail policy retries a held key:
	// nothing has committed yet
	resolution := resolver.Resolve(op, testConflict(ConflictConcurrentAccess), cfg)

	assert.Equal(t, ActionRetry, resolution.Action)
}

func TestResolver_ForceOverrideRequiresAdmin(t *testing.T) {
	resolver := testResolver(t)
	cfg := DefaultLockConfig()

	adminOp := &Operation{Type: OpStockDecrease, ForceOverride: true, UserRole: "admin"}
	clerkOp := &Operation{Type: OpStockDecrease, ForceOverride: true, UserRole: "clerk"}

	adminRes := resolver.Resolve(adminOp, testConflict(ConflictVersionMismatch), cfg)
	clerkRes := resolver.Resolve(clerkOp, testConflict(ConflictVersionMismatch), cfg)

	assert.Equal(t, ActionOverride, adminRes.Action)
	assert.NotEqual(t, ActionOverride, clerkRes.Action)
}

func TestResolver_PolicyTable(t *testing.T) {
	resolver := testResolver(t)

	cases := []struct {
		name     string
		policy   ResolutionAction
		opType   OperationType
		userRole string
		expected ResolutionAction
	}{
		{"fail policy", ActionFail, OpStockDecrease, "clerk", ActionFail},
		{"retry policy", ActionRetry, OpStockDecrease, "clerk", ActionRetry},
		{"merge on commutative type", ActionMerge, OpStockDecrease, "clerk", ActionMerge},
		{"merge degrades for price updates", ActionMerge, OpPriceUpdate, "clerk", ActionRetry},
		{"merge degrades for deactivation", ActionMerge, OpDeactivation, "clerk", ActionRetry},
		{"override for admin", ActionOverride, OpStockDecrease, "admin", ActionOverride},
		{"override degrades for non-admin", ActionOverride, OpStockDecrease, "clerk", ActionRetry},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultLockConfig()
			cfg.ConflictResolution = tc.policy
			op := &Operation{Type: tc.opType, UserRole: tc.userRole}

			resolution := resolver.Resolve(op, testConflict(ConflictVersionMismatch), cfg)

			assert.Equal(t, tc.expected, resolution.Action)
		})
	}
}

func TestMerge_Strategies(t *testing.T) {
	resolver := testResolver(t)

	cases := []struct {
		name     string
		strategy MergeStrategy
		in       MergeInput
		expected int64
	}{
		{
			// 10 - 3 (committed) - 5 (merged) = 2
			name:     "sum combines both deltas",
			strategy: MergeSum,
			in:       MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -5, LoserIntended: 5},
			expected: 2,
		},
		{
			name:     "sum with increases",
			strategy: MergeSum,
			in:       MergeInput{CurrentQuantity: 13, StaleQuantity: 10, LoserDelta: 4, LoserIntended: 14},
			expected: 17,
		},
		{
			name:     "max keeps the larger outcome",
			strategy: MergeMax,
			in:       MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -2, LoserIntended: 8},
			expected: 8,
		},
		{
			name:     "min keeps the smaller outcome",
			strategy: MergeMin,
			in:       MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -2, LoserIntended: 8},
			expected: 7,
		},
		{
			name:     "last writer wins when loser is latest",
			strategy: MergeLastWriterWins,
			in:       MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -5, LoserIntended: 5, LoserIsLatest: true},
			expected: 5,
		},
		{
			name:     "last writer wins when winner is latest",
			strategy: MergeLastWriterWins,
			in:       MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -5, LoserIntended: 5, LoserIsLatest: false},
			expected: 7,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			merged, err := resolver.Merge(tc.strategy, tc.in)

			require.NoError(t, err)
			assert.Equal(t, tc.expected, merged)
		})
	}
}

func TestMerge_SumIsOrderIndependent(t *testing.T) {
	resolver := testResolver(t)

	// Two operations against base 10: A applies -3, B applies -5. Whichever
	// commits first, the merge of the loser must land on the same quantity.
	aWins, err := resolver.Merge(MergeSum, MergeInput{CurrentQuantity: 7, StaleQuantity: 10, LoserDelta: -5})
	require.NoError(t, err)
	bWins, err := resolver.Merge(MergeSum, MergeInput{CurrentQuantity: 5, StaleQuantity: 10, LoserDelta: -3})
	require.NoError(t, err)

	assert.Equal(t, aWins, bWins)
	assert.Equal(t, int64(2), aWins)
}

func TestMerge_UnknownStrategy(t *testing.T) {
	resolver := testResolver(t)

	_, err := resolver.Merge("median", MergeInput{})

	require.Error(t, err)
}

func TestRegisterMergeStrategy(t *testing.T) {
	err := RegisterMergeStrategy("clamp_zero", func(in MergeInput) int64 {
		merged := in.CurrentQuantity + in.LoserDelta
		if merged < 0 {
			return 0
		}
		return merged
	})
	require.NoError(t, err)

	resolver := testResolver(t)
	merged, err := resolver.Merge("clamp_zero", MergeInput{CurrentQuantity: 3, LoserDelta: -10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), merged)

	// Collisions with built-in strategies are rejected
	assert.Error(t, RegisterMergeStrategy(MergeSum, func(in MergeInput) int64 { return 0 }))
}

func TestConflictStore_OpenResolveEscalate(t *testing.T) {
	store := NewConflictStore(0)
	op := newOperation(SubmitRequest{
		Type:      OpStockDecrease,
		StoreID:   "store-1",
		ProductID: "prod-1",
		Quantity:  250,
		UserID:    "alice",
	}, 3)

	conflict := store.Open(ConflictVersionMismatch, op, OperationRef{OperationID: "winner"}, 4)

	require.NotEmpty(t, conflict.ID)
	assert.Equal(t, ImpactHigh, conflict.Impact, "a 250 unit removal is high impact")
	assert.False(t, conflict.Resolved)

	store.Resolve(conflict.ID, ActionMerge, "engine", 0)
	resolved, exists := store.Get(conflict.ID)
	require.True(t, exists)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, ActionMerge, resolved.Strategy)

	// Resolving again must not overwrite the settled outcome
	store.Resolve(conflict.ID, ActionFail, "someone", 99)
	resolved, _ = store.Get(conflict.ID)
	assert.Equal(t, ActionMerge, resolved.Strategy)

	store.Escalate(conflict.ID, true)
	escalated, _ := store.Get(conflict.ID)
	assert.True(t, escalated.InvestigationRequired)
	assert.True(t, escalated.FraudSuspected)
}
