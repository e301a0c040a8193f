package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"inventory-ops-engine/internal/storage"
)

func activeRecord(quantity, reserved int64) storage.Record {
	return storage.Record{
		Key:      testKey(),
		Quantity: quantity,
		Version:  1,
		Metadata: storage.Metadata{Price: decimal.NewFromInt(20), Reserved: reserved, Active: true},
	}
}

func TestValidator_QuantityRules(t *testing.T) {
	validator := NewBusinessRuleValidator()
	cfg := DefaultLockConfig()

	cases := []struct {
		name    string
		op      *Operation
		record  storage.Record
		wantErr bool
	}{
		{"decrease within stock", &Operation{Type: OpStockDecrease, Delta: 5}, activeRecord(10, 0), false},
		{"decrease to exactly zero", &Operation{Type: OpStockDecrease, Delta: 10}, activeRecord(10, 0), false},
		{"decrease past zero", &Operation{Type: OpStockDecrease, Delta: 11}, activeRecord(10, 0), true},
		{"increase always fits", &Operation{Type: OpStockIncrease, Delta: 1000}, activeRecord(0, 0), false},
		{"negative adjustment past zero", &Operation{Type: OpStockAdjustment, Delta: -11}, activeRecord(10, 0), true},
		{"negative adjustment within stock", &Operation{Type: OpStockAdjustment, Delta: -10}, activeRecord(10, 0), false},
		{"zero adjustment", &Operation{Type: OpStockAdjustment, Delta: 0}, activeRecord(10, 0), true},
		{"non-positive delta", &Operation{Type: OpStockDecrease, Delta: 0}, activeRecord(10, 0), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := validator.Validate(tc.op, tc.record, cfg)

			if tc.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestValidator_NegativeStockAllowedByPolicy(t *testing.T) {
	validator := NewBusinessRuleValidator()
	cfg := DefaultLockConfig()
	cfg.AllowNegativeStock = true

	errs := validator.Validate(&Operation{Type: OpStockDecrease, Delta: 15}, activeRecord(10, 0), cfg)

	assert.Empty(t, errs)
}

func TestValidator_ReservationRules(t *testing.T) {
	validator := NewBusinessRuleValidator()
	cfg := DefaultLockConfig()

	cases := []struct {
		name    string
		op      *Operation
		record  storage.Record
		wantErr bool
	}{
		{"reserve within available", &Operation{Type: OpReservation, Delta: 5}, activeRecord(10, 3), false},
		{"reserve exactly available", &Operation{Type: OpReservation, Delta: 7}, activeRecord(10, 3), false},
		{"reserve beyond available", &Operation{Type: OpReservation, Delta: 8}, activeRecord(10, 3), true},
		{"release within reserved", &Operation{Type: OpRelease, Delta: 3}, activeRecord(10, 3), false},
		{"release beyond reserved", &Operation{Type: OpRelease, Delta: 4}, activeRecord(10, 3), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := validator.Validate(tc.op, tc.record, cfg)

			if tc.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestValidator_PriceRules(t *testing.T) {
	validator := NewBusinessRuleValidator()
	cfg := DefaultLockConfig() // 50% bound, current price 20

	cases := []struct {
		name    string
		price   decimal.Decimal
		wantErr bool
	}{
		{"unchanged", decimal.NewFromInt(20), false},
		{"raise within bound", decimal.NewFromInt(30), false},
		{"drop within bound", decimal.NewFromInt(10), false},
		{"raise beyond bound", decimal.NewFromInt(31), true},
		{"drop beyond bound", decimal.NewFromFloat(9.99), true},
		{"zero price", decimal.Zero, true},
		{"negative price", decimal.NewFromInt(-5), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := &Operation{Type: OpPriceUpdate, NewPrice: tc.price}

			errs := validator.Validate(op, activeRecord(10, 0), cfg)

			if tc.wantErr {
				assert.NotEmpty(t, errs)
			} else {
				assert.Empty(t, errs)
			}
		})
	}
}

func TestValidator_LifecycleRules(t *testing.T) {
	validator := NewBusinessRuleValidator()
	cfg := DefaultLockConfig()

	inactive := activeRecord(10, 0)
	inactive.Metadata.Active = false

	// An inactive product rejects sales-path mutations
	assert.NotEmpty(t, validator.Validate(&Operation{Type: OpStockDecrease, Delta: 1}, inactive, cfg))
	assert.NotEmpty(t, validator.Validate(&Operation{Type: OpReservation, Delta: 1}, inactive, cfg))

	// Corrections and reactivation stay possible
	assert.Empty(t, validator.Validate(&Operation{Type: OpStockAdjustment, Delta: -2}, inactive, cfg))
	assert.Empty(t, validator.Validate(&Operation{Type: OpActivation}, inactive, cfg))

	// Idempotent state flips are rejected
	assert.NotEmpty(t, validator.Validate(&Operation{Type: OpDeactivation}, inactive, cfg))
	assert.NotEmpty(t, validator.Validate(&Operation{Type: OpActivation}, activeRecord(10, 0), cfg))
}
