package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRecordNotFound is returned when no record exists for the requested key.
var ErrRecordNotFound = errors.New("record not found")

// RecordKey identifies a product-stock record. VariantID may be empty.
type RecordKey struct {
	StoreID   string `json:"storeId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
}

// String returns the canonical form used for lock tables and log fields.
func (k RecordKey) String() string {
	if k.VariantID == "" {
		return k.StoreID + ":" + k.ProductID
	}
	return k.StoreID + ":" + k.ProductID + ":" + k.VariantID
}

// Validate checks that the key has the required components
func (k RecordKey) Validate() error {
	if k.StoreID == "" {
		return fmt.Errorf("storeId is required")
	}
	if k.ProductID == "" {
		return fmt.Errorf("productId is required")
	}
	return nil
}

// Metadata holds the non-quantity side fields of a record. They travel with every
// versioned write so the compare-and-swap covers them too.
type Metadata struct {
	Price    decimal.Decimal `json:"price"`
	Reserved int64           `json:"reserved"`
	Active   bool            `json:"active"`
}

// Record is a product-stock record together with its version stamp
type Record struct {
	Key       RecordKey `json:"key"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	Metadata  Metadata  `json:"metadata"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available returns the quantity not held by reservations
func (r Record) Available() int64 {
	return r.Quantity - r.Metadata.Reserved
}

// WriteResult reports the outcome of a versioned write. When OK is false,
// CurrentVersion carries the version actually stored so the caller can
// re-read and resolve the conflict.
type WriteResult struct {
	OK             bool
	NewVersion     int64
	CurrentVersion int64
}

// VersionedRecordAccessor is the engine's only contact with persistent storage.
// WriteIfVersion is a compare-and-swap: the write succeeds only if the stored
// version still equals expectedVersion, and bumps the version atomically with
// the write. Any backend honoring that contract is acceptable.
type VersionedRecordAccessor interface {
	ReadCurrent(ctx context.Context, key RecordKey) (Record, error)
	WriteIfVersion(ctx context.Context, key RecordKey, expectedVersion int64, quantity int64, meta Metadata) (WriteResult, error)
}
