package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage implements VersionedRecordAccessor over a relational row with a
// version column. The compare-and-swap is a single version-guarded UPDATE, so the
// version bump is atomic with the write.
type PostgresStorage struct {
	db        *sql.DB
	dbTimeout time.Duration
}

// NewPostgresStorage opens a connection pool and verifies connectivity
func NewPostgresStorage(dsn string, dbTimeout time.Duration) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("error pinging postgres: %w", err)
	}

	slog.Info("Postgres storage initialized")
	return &PostgresStorage{db: db, dbTimeout: dbTimeout}, nil
}

// Close releases the connection pool
func (ps *PostgresStorage) Close() error {
	return ps.db.Close()
}

// ReadCurrent returns the current record for the key
func (ps *PostgresStorage) ReadCurrent(ctx context.Context, key RecordKey) (Record, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, ps.dbTimeout)
	defer cancel()

	query := `
        SELECT quantity, version, price, reserved, active, updated_at
        FROM stock_records
        WHERE store_id = $1 AND product_id = $2 AND variant_id = $3`

	record := Record{Key: key}
	err := ps.db.QueryRowContext(ctxTimeout, query, key.StoreID, key.ProductID, key.VariantID).Scan(
		&record.Quantity, &record.Version, &record.Metadata.Price,
		&record.Metadata.Reserved, &record.Metadata.Active, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("error reading stock record %s: %w", key.String(), err)
	}
	return record, nil
}

// WriteIfVersion applies the versioned write. Zero affected rows means another
// writer committed first; the stored version is re-read and reported so the
// caller can route the conflict.
func (ps *PostgresStorage) WriteIfVersion(ctx context.Context, key RecordKey, expectedVersion int64, quantity int64, meta Metadata) (WriteResult, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, ps.dbTimeout)
	defer cancel()

	query := `
        UPDATE stock_records
        SET quantity = $1, price = $2, reserved = $3, active = $4,
            version = version + 1, updated_at = $5
        WHERE store_id = $6 AND product_id = $7 AND variant_id = $8 AND version = $9`

	result, err := ps.db.ExecContext(ctxTimeout, query,
		quantity, meta.Price, meta.Reserved, meta.Active, time.Now(),
		key.StoreID, key.ProductID, key.VariantID, expectedVersion,
	)
	if err != nil {
		return WriteResult{}, fmt.Errorf("error writing stock record %s: %w", key.String(), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return WriteResult{}, fmt.Errorf("error checking affected rows for %s: %w", key.String(), err)
	}

	if affected == 0 {
		// Lost the race (or the row is gone); report the version actually stored
		current, readErr := ps.ReadCurrent(ctx, key)
		if readErr != nil {
			return WriteResult{}, readErr
		}
		slog.Debug("Versioned write rejected",
			"key", key.String(),
			"expected_version", expectedVersion,
			"current_version", current.Version)
		return WriteResult{OK: false, CurrentVersion: current.Version}, nil
	}

	return WriteResult{OK: true, NewVersion: expectedVersion + 1}, nil
}
