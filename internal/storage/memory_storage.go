package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStorage implements VersionedRecordAccessor with an in-memory map.
// Used for development and tests; the compare-and-swap semantics match the
// Postgres implementation exactly.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStorage creates a new in-memory storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]Record),
	}
}

// Put seeds or replaces a record, assigning version 1 when the record is new.
// Not part of the accessor contract; callers are tests, fixtures and admin tooling.
func (ms *MemoryStorage) Put(record Record) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if record.Version == 0 {
		record.Version = 1
	}
	record.UpdatedAt = time.Now()
	ms.records[record.Key.String()] = record

	slog.Debug("Record seeded",
		"key", record.Key.String(),
		"quantity", record.Quantity,
		"version", record.Version)
}

// ReadCurrent returns the current record for the key
func (ms *MemoryStorage) ReadCurrent(_ context.Context, key RecordKey) (Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	record, exists := ms.records[key.String()]
	if !exists {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

// WriteIfVersion performs the compare-and-swap write. The version check and the
// write happen under the same critical section, so exactly one of any two racing
// writers observes OK for a given version step.
func (ms *MemoryStorage) WriteIfVersion(_ context.Context, key RecordKey, expectedVersion int64, quantity int64, meta Metadata) (WriteResult, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	record, exists := ms.records[key.String()]
	if !exists {
		return WriteResult{}, ErrRecordNotFound
	}

	if record.Version != expectedVersion {
		slog.Debug("Versioned write rejected",
			"key", key.String(),
			"expected_version", expectedVersion,
			"current_version", record.Version)
		return WriteResult{OK: false, CurrentVersion: record.Version}, nil
	}

	record.Quantity = quantity
	record.Metadata = meta
	record.Version = expectedVersion + 1
	record.UpdatedAt = time.Now()
	ms.records[key.String()] = record

	return WriteResult{OK: true, NewVersion: record.Version}, nil
}

// RecordCount returns the number of stored records
func (ms *MemoryStorage) RecordCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.records)
}
