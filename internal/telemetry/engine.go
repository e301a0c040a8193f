package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineTelemetry provides metrics for the inventory operation engine. A nil
// receiver is valid and records nothing, so the engine never depends on
// telemetry being wired.
type EngineTelemetry struct {
	meter metric.Meter

	operationsSubmitted metric.Int64Counter
	operationsFinished  metric.Int64Counter

	lockAcquisitions metric.Int64Counter
	lockTimeouts     metric.Int64Counter
	activeLocks      metric.Int64UpDownCounter

	conflictsDetected   metric.Int64Counter
	conflictResolutions metric.Int64Counter

	approvalOutcomes    metric.Int64Counter
	auditAppendFailures metric.Int64Counter

	lockHoldDuration metric.Float64Histogram
}

// NewEngineTelemetry creates a new instance of EngineTelemetry
func NewEngineTelemetry() *EngineTelemetry {
	return &EngineTelemetry{}
}

// InitializeTelemetry sets up all the telemetry instruments for the engine
func (t *EngineTelemetry) InitializeTelemetry(ctx context.Context) error {
	slog.Info("Initializing engine telemetry")

	t.meter = otel.Meter("inventory-ops-engine")

	var err error

	t.operationsSubmitted, err = t.meter.Int64Counter(
		"inventory_operations_submitted_total",
		metric.WithDescription("Total number of inventory operations accepted for processing"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create submitted counter: %w", err)
	}

	t.operationsFinished, err = t.meter.Int64Counter(
		"inventory_operations_finished_total",
		metric.WithDescription("Total number of inventory operations reaching a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create finished counter: %w", err)
	}

	t.lockAcquisitions, err = t.meter.Int64Counter(
		"inventory_lock_acquisitions_total",
		metric.WithDescription("Total number of successful lock acquisitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create lock acquisition counter: %w", err)
	}

	t.lockTimeouts, err = t.meter.Int64Counter(
		"inventory_lock_timeouts_total",
		metric.WithDescription("Total number of locks force-released by the watchdog"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create lock timeout counter: %w", err)
	}

	t.activeLocks, err = t.meter.Int64UpDownCounter(
		"inventory_active_locks",
		metric.WithDescription("Number of currently held lock handles"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active locks counter: %w", err)
	}

	t.conflictsDetected, err = t.meter.Int64Counter(
		"inventory_conflicts_total",
		metric.WithDescription("Total number of detected conflicts by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict counter: %w", err)
	}

	t.conflictResolutions, err = t.meter.Int64Counter(
		"inventory_conflict_resolutions_total",
		metric.WithDescription("Total number of conflict resolutions by action"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create resolution counter: %w", err)
	}

	t.approvalOutcomes, err = t.meter.Int64Counter(
		"inventory_approvals_total",
		metric.WithDescription("Total number of approval outcomes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create approval counter: %w", err)
	}

	t.auditAppendFailures, err = t.meter.Int64Counter(
		"inventory_audit_append_failures_total",
		metric.WithDescription("Total number of audit entries that could not be persisted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit failure counter: %w", err)
	}

	t.lockHoldDuration, err = t.meter.Float64Histogram(
		"inventory_lock_hold_duration_seconds",
		metric.WithDescription("How long lock handles were held before release"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create lock hold histogram: %w", err)
	}

	slog.Info("Engine telemetry initialized successfully")
	return nil
}

// RecordSubmitted counts an accepted operation
func (t *EngineTelemetry) RecordSubmitted(ctx context.Context, opType string) {
	if t == nil || t.operationsSubmitted == nil {
		return
	}
	t.operationsSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", opType),
	))
}

// RecordFinished counts a terminal operation with its outcome
func (t *EngineTelemetry) RecordFinished(ctx context.Context, opType, status, cause string) {
	if t == nil || t.operationsFinished == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("type", opType),
		attribute.String("status", status),
	}
	if cause != "" {
		attrs = append(attrs, attribute.String("cause", cause))
	}
	t.operationsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLockAcquired counts a lock acquisition and bumps the active gauge
func (t *EngineTelemetry) RecordLockAcquired(ctx context.Context, mode string) {
	if t == nil || t.lockAcquisitions == nil {
		return
	}
	t.lockAcquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	t.activeLocks.Add(ctx, 1)
}

// RecordLockReleased lowers the active gauge and observes the hold duration
func (t *EngineTelemetry) RecordLockReleased(ctx context.Context, heldFor time.Duration) {
	if t == nil || t.activeLocks == nil {
		return
	}
	t.activeLocks.Add(ctx, -1)
	t.lockHoldDuration.Record(ctx, heldFor.Seconds())
}

// RecordLockTimeout counts a watchdog force-release
func (t *EngineTelemetry) RecordLockTimeout(ctx context.Context) {
	if t == nil || t.lockTimeouts == nil {
		return
	}
	t.lockTimeouts.Add(ctx, 1)
}

// RecordConflict counts a detected conflict by type
func (t *EngineTelemetry) RecordConflict(ctx context.Context, conflictType string) {
	if t == nil || t.conflictsDetected == nil {
		return
	}
	t.conflictsDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict_type", conflictType),
	))
}

// RecordResolution counts a conflict resolution by action
func (t *EngineTelemetry) RecordResolution(ctx context.Context, action string) {
	if t == nil || t.conflictResolutions == nil {
		return
	}
	t.conflictResolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordApproval counts an approval outcome
func (t *EngineTelemetry) RecordApproval(ctx context.Context, outcome string) {
	if t == nil || t.approvalOutcomes == nil {
		return
	}
	t.approvalOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordAuditFailure counts a lost audit append
func (t *EngineTelemetry) RecordAuditFailure(ctx context.Context) {
	if t == nil || t.auditAppendFailures == nil {
		return
	}
	t.auditAppendFailures.Add(ctx, 1)
}
