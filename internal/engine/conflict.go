package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"inventory-ops-engine/internal/storage"
)

// ConflictType classifies how a conflict was detected
type ConflictType string

const (
	ConflictVersionMismatch       ConflictType = "version_mismatch"
	ConflictConcurrentAccess      ConflictType = "concurrent_access"
	ConflictDataIntegrity         ConflictType = "data_integrity"
	ConflictBusinessRuleViolation ConflictType = "business_rule_violation"
)

// ImpactLevel classifies the business impact of a conflict
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// OperationRef is the minimal identity of a competing operation
type OperationRef struct {
	OperationID     string        `json:"operationId"`
	UserID          string        `json:"userId"`
	ExpectedVersion int64         `json:"expectedVersion"`
	Type            OperationType `json:"type"`
}

// Conflict is produced when two operations race on the same target. Exactly one
// conflict record exists per detected mismatch; it is either auto-resolved or
// escalated, never dropped.
type Conflict struct {
	ID         string            `json:"id"`
	Key        storage.RecordKey `json:"key"`
	DetectedAt time.Time         `json:"detectedAt"`
	Type       ConflictType      `json:"type"`

	// Winner is the operation whose write is already reflected in storage
	// (when it is known to this process); Loser is the operation that
	// observed the mismatch.
	Winner OperationRef `json:"winner,omitempty"`
	Loser  OperationRef `json:"loser"`

	StoredVersion   int64 `json:"storedVersion"`
	ExpectedVersion int64 `json:"expectedVersion"`

	Resolved   bool             `json:"resolved"`
	Strategy   ResolutionAction `json:"strategy,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
	ResolvedAt time.Time        `json:"resolvedAt,omitempty"`

	Impact                ImpactLevel `json:"impact"`
	AffectedOrders        []string    `json:"affectedOrders,omitempty"`
	FraudSuspected        bool        `json:"fraudSuspected"`
	InvestigationRequired bool        `json:"investigationRequired"`

	// DiscardedDelta documents the delta thrown away by override or
	// last-writer-wins resolutions, for audit purposes
	DiscardedDelta int64 `json:"discardedDelta,omitempty"`
}

// classifyImpact derives the impact level from the losing operation
func classifyImpact(op *Operation) ImpactLevel {
	if op.Type == OpPriceUpdate {
		return ImpactHigh
	}
	switch m := op.magnitude(); {
	case m >= 1000:
		return ImpactCritical
	case m >= 100:
		return ImpactHigh
	case m >= 10:
		return ImpactMedium
	}
	return ImpactLow
}

// ConflictStore is the in-memory arena of conflict records. Entries for
// resolved conflicts are evicted after the retention period; unresolved ones
// stay until a human closes them.
type ConflictStore struct {
	mu        sync.RWMutex
	conflicts map[string]*Conflict
	order     []string
	retention time.Duration
}

// NewConflictStore creates a new conflict store
func NewConflictStore(retention time.Duration) *ConflictStore {
	return &ConflictStore{
		conflicts: make(map[string]*Conflict),
		retention: retention,
	}
}

// Open records a newly detected conflict and returns it
func (cs *ConflictStore) Open(conflictType ConflictType, loser *Operation, winner OperationRef, storedVersion int64) *Conflict {
	conflict := &Conflict{
		ID:              uuid.New().String(),
		Key:             loser.Key,
		DetectedAt:      time.Now(),
		Type:            conflictType,
		Winner:          winner,
		Loser:           loser.ref(),
		StoredVersion:   storedVersion,
		ExpectedVersion: loser.ExpectedVersion,
		Impact:          classifyImpact(loser),
	}
	if loser.OrderRef != "" {
		conflict.AffectedOrders = []string{loser.OrderRef}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.conflicts[conflict.ID] = conflict
	cs.order = append(cs.order, conflict.ID)
	return conflict
}

// Resolve closes a conflict with the strategy that settled it
func (cs *ConflictStore) Resolve(conflictID string, strategy ResolutionAction, resolvedBy string, discardedDelta int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	conflict, exists := cs.conflicts[conflictID]
	if !exists || conflict.Resolved {
		return
	}
	conflict.Resolved = true
	conflict.Strategy = strategy
	conflict.ResolvedBy = resolvedBy
	conflict.ResolvedAt = time.Now()
	conflict.DiscardedDelta = discardedDelta
}

// Escalate marks a conflict as needing human investigation
func (cs *ConflictStore) Escalate(conflictID string, fraudSuspected bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	conflict, exists := cs.conflicts[conflictID]
	if !exists {
		return
	}
	conflict.InvestigationRequired = true
	conflict.FraudSuspected = conflict.FraudSuspected || fraudSuspected
}

// Get returns a copy of the conflict with the given id
func (cs *ConflictStore) Get(conflictID string) (Conflict, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	conflict, exists := cs.conflicts[conflictID]
	if !exists {
		return Conflict{}, false
	}
	return *conflict, true
}

// List returns copies of all conflicts in detection order
func (cs *ConflictStore) List() []Conflict {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	result := make([]Conflict, 0, len(cs.order))
	for _, id := range cs.order {
		if conflict, exists := cs.conflicts[id]; exists {
			result = append(result, *conflict)
		}
	}
	return result
}

// CountSince returns how many conflicts were detected for key after cutoff
func (cs *ConflictStore) CountSince(key storage.RecordKey, cutoff time.Time) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	count := 0
	for _, conflict := range cs.conflicts {
		if conflict.Key == key && conflict.DetectedAt.After(cutoff) {
			count++
		}
	}
	return count
}

// Evict removes resolved conflicts older than the retention period
func (cs *ConflictStore) Evict() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cutoff := time.Now().Add(-cs.retention)
	kept := cs.order[:0]
	removed := 0
	for _, id := range cs.order {
		conflict := cs.conflicts[id]
		if conflict != nil && conflict.Resolved && !conflict.InvestigationRequired && conflict.ResolvedAt.Before(cutoff) {
			delete(cs.conflicts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	cs.order = kept
	return removed
}
