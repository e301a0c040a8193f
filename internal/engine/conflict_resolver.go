package engine

import (
	"fmt"
	"log/slog"
)

// ResolutionAction is what the resolver decided to do with a conflict
type ResolutionAction string

const (
	ActionFail     ResolutionAction = "fail"
	ActionRetry    ResolutionAction = "retry"
	ActionMerge    ResolutionAction = "merge"
	ActionOverride ResolutionAction = "override"
)

// MergeStrategy selects the deterministic rule for combining two conflicting
// deltas into one outcome
type MergeStrategy string

const (
	MergeSum            MergeStrategy = "sum"
	MergeMax            MergeStrategy = "max"
	MergeMin            MergeStrategy = "min"
	MergeLastWriterWins MergeStrategy = "last_writer_wins"
)

// MergeInput carries everything a merge function may consider. CurrentQuantity
// already reflects the winner's committed delta; StaleQuantity is the base both
// operations started from; LoserIntended is the quantity the loser meant to
// store. Merge functions must be pure so the outcome is identical regardless of
// which operation's write won the race.
type MergeInput struct {
	CurrentQuantity int64
	StaleQuantity   int64
	LoserDelta      int64
	LoserIntended   int64
	LoserIsLatest   bool
}

// MergeFunc computes the merged quantity for a conflict
type MergeFunc func(in MergeInput) int64

// mergeFuncs maps strategies to their implementations. The map is the
// extension point: new merge semantics plug in here without touching the
// lock/retry core.
var mergeFuncs = map[MergeStrategy]MergeFunc{
	MergeSum: func(in MergeInput) int64 {
		// Both deltas applied to the latest base
		return in.CurrentQuantity + in.LoserDelta
	},
	MergeMax: func(in MergeInput) int64 {
		if in.LoserIntended > in.CurrentQuantity {
			return in.LoserIntended
		}
		return in.CurrentQuantity
	},
	MergeMin: func(in MergeInput) int64 {
		if in.LoserIntended < in.CurrentQuantity {
			return in.LoserIntended
		}
		return in.CurrentQuantity
	},
	MergeLastWriterWins: func(in MergeInput) int64 {
		// The latest operation's value is authoritative; the earlier
		// delta is discarded entirely
		if in.LoserIsLatest {
			return in.LoserIntended
		}
		return in.CurrentQuantity
	},
}

// RegisterMergeStrategy installs a custom merge function. Returns an error if
// the name collides with an existing strategy.
func RegisterMergeStrategy(name MergeStrategy, fn MergeFunc) error {
	if _, exists := mergeFuncs[name]; exists {
		return fmt.Errorf("merge strategy already registered: %s", name)
	}
	mergeFuncs[name] = fn
	return nil
}

// Resolution is the resolver's verdict for one conflict
type Resolution struct {
	Action   ResolutionAction
	Strategy MergeStrategy
	Reason   string
}

// ConflictResolver decides fail / retry / merge / override per configuration.
// It only decides; applying the decision (re-reads, merged writes, rollbacks)
// stays with the orchestrator.
type ConflictResolver struct {
	conflicts *ConflictStore
}

// NewConflictResolver creates a resolver backed by the conflict store
func NewConflictResolver(conflicts *ConflictStore) *ConflictResolver {
	return &ConflictResolver{conflicts: conflicts}
}

// Resolve picks the action for the conflict. Override is never chosen by
// default: it requires an explicit force-apply on the operation, and the
// configured override policy is honored only for administrative actors.
func (cr *ConflictResolver) Resolve(op *Operation, conflict *Conflict, cfg LockConfig) Resolution {
	// Concurrent access on the in-process lock table is always retried:
	// nothing has committed yet, so there is nothing to merge or override
	if conflict.Type == ConflictConcurrentAccess {
		return cr.decide(op, conflict, Resolution{
			Action: ActionRetry,
			Reason: fmt.Sprintf("key held by operation %s", conflict.Winner.OperationID),
		})
	}

	if op.ForceOverride && op.UserRole == "admin" {
		return cr.decide(op, conflict, Resolution{
			Action: ActionOverride,
			Reason: "administrative force-apply requested",
		})
	}

	switch cfg.ConflictResolution {
	case ActionFail:
		return cr.decide(op, conflict, Resolution{
			Action: ActionFail,
			Reason: "policy is fail-on-conflict",
		})

	case ActionMerge:
		if op.Type.Mergeable() {
			return cr.decide(op, conflict, Resolution{
				Action:   ActionMerge,
				Strategy: cfg.MergeStrategy,
				Reason:   fmt.Sprintf("commutative delta merged with strategy %s", cfg.MergeStrategy),
			})
		}
		// Non-commutative mutation: merging is undefined, fall back to retry
		return cr.decide(op, conflict, Resolution{
			Action: ActionRetry,
			Reason: fmt.Sprintf("merge undefined for %s, retrying against fresh state", op.Type),
		})

	case ActionOverride:
		if op.UserRole == "admin" {
			return cr.decide(op, conflict, Resolution{
				Action: ActionOverride,
				Reason: "override policy applied for administrative actor",
			})
		}
		return cr.decide(op, conflict, Resolution{
			Action: ActionRetry,
			Reason: "override policy restricted to administrative actors, retrying",
		})

	default: // ActionRetry
		return cr.decide(op, conflict, Resolution{
			Action: ActionRetry,
			Reason: "policy is retry-on-conflict",
		})
	}
}

// Merge computes the merged quantity for a conflict using the given strategy
func (cr *ConflictResolver) Merge(strategy MergeStrategy, in MergeInput) (int64, error) {
	fn, exists := mergeFuncs[strategy]
	if !exists {
		return 0, fmt.Errorf("unknown merge strategy: %s", strategy)
	}
	return fn(in), nil
}

// decide logs and annotates the verdict before returning it
func (cr *ConflictResolver) decide(op *Operation, conflict *Conflict, resolution Resolution) Resolution {
	slog.Debug("Conflict resolution decided",
		"conflict_id", conflict.ID,
		"operation_id", op.ID,
		"conflict_type", conflict.Type,
		"action", resolution.Action,
		"reason", resolution.Reason)
	return resolution
}
