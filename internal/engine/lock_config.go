package engine

import (
	"log/slog"
	"time"
)

// LockingMode selects the concurrency control primitive
type LockingMode string

const (
	// ModeOptimistic uses version-checked logical locks only
	ModeOptimistic LockingMode = "optimistic"
	// ModeDistributed uses the external lock service for every operation
	ModeDistributed LockingMode = "distributed"
	// ModeOptimisticThenDistributed escalates to the external lock service
	// once the optimistic retry budget is exhausted
	ModeOptimisticThenDistributed LockingMode = "optimistic_then_distributed"
)

// LockConfig is the per-tenant locking and conflict policy
type LockConfig struct {
	LockingMode LockingMode

	MaxRetryAttempts   int
	RetryDelay         time.Duration
	RetryBackoffFactor float64
	RetryDelayMax      time.Duration

	LockTimeout        time.Duration
	DistributedLockTTL time.Duration

	ConflictResolution ResolutionAction
	MergeStrategy      MergeStrategy

	AllowNegativeStock bool

	RequireApproval       bool
	ApprovalRiskThreshold int
	ApprovalTimeout       time.Duration

	MaxPriceChangePercent int

	ConflictRateAlertThreshold int
	ConflictRateWindow         time.Duration
}

// DefaultLockConfig returns a sane production baseline
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockingMode:                ModeOptimistic,
		MaxRetryAttempts:           3,
		RetryDelay:                 50 * time.Millisecond,
		RetryBackoffFactor:         1.0,
		RetryDelayMax:              2 * time.Second,
		LockTimeout:                5 * time.Second,
		DistributedLockTTL:         10 * time.Second,
		ConflictResolution:         ActionRetry,
		MergeStrategy:              MergeSum,
		AllowNegativeStock:         false,
		RequireApproval:            false,
		ApprovalRiskThreshold:      75,
		ApprovalTimeout:            15 * time.Minute,
		MaxPriceChangePercent:      50,
		ConflictRateAlertThreshold: 10,
		ConflictRateWindow:         5 * time.Minute,
	}
}

// Normalize clamps invalid values back to usable defaults, logging each fix
func (c LockConfig) Normalize() LockConfig {
	defaults := DefaultLockConfig()

	if c.LockingMode != ModeOptimistic && c.LockingMode != ModeDistributed && c.LockingMode != ModeOptimisticThenDistributed {
		slog.Warn("Invalid locking mode, using default", "provided", c.LockingMode, "default", defaults.LockingMode)
		c.LockingMode = defaults.LockingMode
	}
	if c.MaxRetryAttempts < 0 {
		slog.Warn("Negative retry attempts, using default", "provided", c.MaxRetryAttempts)
		c.MaxRetryAttempts = defaults.MaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.RetryBackoffFactor < 1.0 {
		c.RetryBackoffFactor = 1.0
	}
	if c.RetryDelayMax < c.RetryDelay {
		c.RetryDelayMax = defaults.RetryDelayMax
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.DistributedLockTTL <= 0 {
		c.DistributedLockTTL = defaults.DistributedLockTTL
	}
	switch c.ConflictResolution {
	case ActionFail, ActionRetry, ActionMerge, ActionOverride:
	default:
		slog.Warn("Invalid conflict resolution, using default", "provided", c.ConflictResolution, "default", defaults.ConflictResolution)
		c.ConflictResolution = defaults.ConflictResolution
	}
	if _, known := mergeFuncs[c.MergeStrategy]; !known {
		slog.Warn("Unknown merge strategy, using default", "provided", c.MergeStrategy, "default", defaults.MergeStrategy)
		c.MergeStrategy = defaults.MergeStrategy
	}
	if c.ApprovalRiskThreshold <= 0 || c.ApprovalRiskThreshold > 100 {
		c.ApprovalRiskThreshold = defaults.ApprovalRiskThreshold
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = defaults.ApprovalTimeout
	}
	if c.MaxPriceChangePercent <= 0 {
		c.MaxPriceChangePercent = defaults.MaxPriceChangePercent
	}
	if c.ConflictRateAlertThreshold <= 0 {
		c.ConflictRateAlertThreshold = defaults.ConflictRateAlertThreshold
	}
	if c.ConflictRateWindow <= 0 {
		c.ConflictRateWindow = defaults.ConflictRateWindow
	}
	return c
}

// retryDelayFor computes the backoff delay before retry attempt n (0-based)
func (c LockConfig) retryDelayFor(attempt int) time.Duration {
	delay := c.RetryDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.RetryBackoffFactor)
		if delay >= c.RetryDelayMax {
			return c.RetryDelayMax
		}
	}
	if delay > c.RetryDelayMax {
		delay = c.RetryDelayMax
	}
	return delay
}
