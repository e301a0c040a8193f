package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"inventory-ops-engine/internal/storage"
)

// BusinessRuleValidator checks a proposed mutation against the record's
// invariants. It runs twice per attempt: once before lock acquisition (fail
// fast) and once after, against the record re-read during acquisition, because
// non-versioned side state may have drifted between the two reads.
type BusinessRuleValidator struct{}

// NewBusinessRuleValidator creates a validator
func NewBusinessRuleValidator() *BusinessRuleValidator {
	return &BusinessRuleValidator{}
}

// Validate returns the list of violated rules; an empty list means the
// mutation is permitted against the given record state.
func (v *BusinessRuleValidator) Validate(op *Operation, current storage.Record, cfg LockConfig) []string {
	var errs []string

	switch op.Type {
	case OpStockIncrease, OpStockDecrease, OpStockTransfer, OpReservation, OpRelease:
		if op.Delta <= 0 {
			errs = append(errs, fmt.Sprintf("%s requires a positive quantity, got %d", op.Type, op.Delta))
			return errs
		}
	case OpStockAdjustment:
		if op.Delta == 0 {
			errs = append(errs, "stock adjustment requires a non-zero quantity")
			return errs
		}
	}

	quantity, meta := op.effect(current)

	if op.Type.ChangesQuantity() && quantity < 0 && !cfg.AllowNegativeStock {
		errs = append(errs, fmt.Sprintf("operation would drive stock negative: %d %+d = %d",
			current.Quantity, op.signedDelta(), quantity))
	}

	switch op.Type {
	case OpReservation:
		if op.Delta > current.Available() {
			errs = append(errs, fmt.Sprintf("reservation of %d exceeds available stock %d (quantity %d, reserved %d)",
				op.Delta, current.Available(), current.Quantity, current.Metadata.Reserved))
		}
	case OpRelease:
		if op.Delta > current.Metadata.Reserved {
			errs = append(errs, fmt.Sprintf("release of %d exceeds reserved stock %d",
				op.Delta, current.Metadata.Reserved))
		}
	case OpPriceUpdate:
		errs = append(errs, v.validatePriceChange(op.NewPrice, current.Metadata.Price, cfg)...)
	case OpActivation:
		if current.Metadata.Active {
			errs = append(errs, "product is already active")
		}
	case OpDeactivation:
		if !current.Metadata.Active {
			errs = append(errs, "product is already inactive")
		}
	}

	// Lifecycle gate: a deactivated product only accepts corrections,
	// releases and reactivation
	if !current.Metadata.Active {
		switch op.Type {
		case OpStockDecrease, OpStockTransfer, OpReservation:
			errs = append(errs, fmt.Sprintf("%s not permitted on a deactivated product (use stock_adjustment for corrections)", op.Type))
		}
	}

	// Reserved stock must stay within the stored quantity when reservations move
	if (op.Type == OpReservation || op.Type == OpRelease) && meta.Reserved > quantity {
		errs = append(errs, fmt.Sprintf("reserved stock %d would exceed quantity %d", meta.Reserved, quantity))
	}

	return errs
}

// validatePriceChange enforces positive prices within the configured delta bound
func (v *BusinessRuleValidator) validatePriceChange(newPrice, currentPrice decimal.Decimal, cfg LockConfig) []string {
	var errs []string

	if !newPrice.IsPositive() {
		errs = append(errs, fmt.Sprintf("price must be positive, got %s", newPrice.String()))
		return errs
	}

	if currentPrice.IsPositive() {
		bound := currentPrice.Mul(decimal.NewFromInt(int64(cfg.MaxPriceChangePercent))).Div(decimal.NewFromInt(100))
		change := newPrice.Sub(currentPrice).Abs()
		if change.GreaterThan(bound) {
			errs = append(errs, fmt.Sprintf("price change %s exceeds the permitted %d%% of %s",
				change.String(), cfg.MaxPriceChangePercent, currentPrice.String()))
		}
	}

	return errs
}
