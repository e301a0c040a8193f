package engine

import (
	"sync"
	"time"

	"inventory-ops-engine/internal/storage"
)

const historyWindow = 50

// ActorHistory tracks per-key operation magnitudes and conflict timestamps so
// the risk scorer can compare a mutation against its historical baseline
type ActorHistory struct {
	mu         sync.RWMutex
	magnitudes map[string][]int64
	conflicts  map[string][]time.Time
}

// NewActorHistory creates an empty history tracker
func NewActorHistory() *ActorHistory {
	return &ActorHistory{
		magnitudes: make(map[string][]int64),
		conflicts:  make(map[string][]time.Time),
	}
}

// RecordOperation stores a completed operation's magnitude for the key
func (h *ActorHistory) RecordOperation(key storage.RecordKey, magnitude int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.magnitudes[key.String()], magnitude)
	if len(entries) > historyWindow {
		entries = entries[len(entries)-historyWindow:]
	}
	h.magnitudes[key.String()] = entries
}

// RecordConflict stores a conflict detection time for the key
func (h *ActorHistory) RecordConflict(key storage.RecordKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.conflicts[key.String()], time.Now())
	if len(entries) > historyWindow {
		entries = entries[len(entries)-historyWindow:]
	}
	h.conflicts[key.String()] = entries
}

// Baseline returns the average historical magnitude for the key (0 when unknown)
func (h *ActorHistory) Baseline(key storage.RecordKey) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.magnitudes[key.String()]
	if len(entries) == 0 {
		return 0
	}
	var sum int64
	for _, m := range entries {
		sum += m
	}
	return float64(sum) / float64(len(entries))
}

// RecentConflicts counts conflicts for the key within the window
func (h *ActorHistory) RecentConflicts(key storage.RecordKey, window time.Duration) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range h.conflicts[key.String()] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// RiskScorer computes a [0,100] score for an operation from its type,
// magnitude relative to the key's baseline, actor role, time of day, and
// recent conflict pressure on the same key
type RiskScorer struct {
	history *ActorHistory
	now     func() time.Time
}

// NewRiskScorer creates a scorer over the shared history tracker
func NewRiskScorer(history *ActorHistory) *RiskScorer {
	return &RiskScorer{history: history, now: time.Now}
}

// Score computes the risk score for the operation
func (rs *RiskScorer) Score(op *Operation, cfg LockConfig) int {
	score := typeWeight(op.Type)

	// Magnitude relative to the historical baseline for this key
	if op.Type.ChangesQuantity() || op.Type == OpReservation {
		baseline := rs.history.Baseline(op.Key)
		if baseline < 1 {
			baseline = 1
		}
		ratio := float64(op.magnitude()) / baseline
		switch {
		case ratio >= 10:
			score += 30
		case ratio >= 5:
			score += 20
		case ratio >= 2:
			score += 10
		}
	}

	score += roleWeight(op.UserRole)

	// Off-hours activity is unusual for storefront traffic
	hour := rs.now().Hour()
	if hour < 6 || hour >= 23 {
		score += 10
	}

	// Contention pressure on the key
	recent := rs.history.RecentConflicts(op.Key, cfg.ConflictRateWindow)
	if recent > 0 {
		bump := recent * 5
		if bump > 20 {
			bump = 20
		}
		score += bump
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// typeWeight gives the base score per operation type: price changes and large
// removals are riskier than additions
func typeWeight(t OperationType) int {
	switch t {
	case OpPriceUpdate:
		return 30
	case OpStockAdjustment, OpDeactivation:
		return 25
	case OpStockDecrease, OpStockTransfer:
		return 20
	case OpReservation:
		return 10
	default: // increase, release, activation
		return 5
	}
}

// roleWeight adjusts for actor trust
func roleWeight(role string) int {
	switch role {
	case "admin":
		return 0
	case "manager":
		return 5
	case "bot":
		return 15
	default:
		return 15
	}
}
