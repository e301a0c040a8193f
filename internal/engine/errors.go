package engine

import (
	"fmt"
	"strings"
	"time"

	"inventory-ops-engine/internal/storage"
)

// Failure cause identifiers recorded on operations and surfaced to callers
const (
	CauseValidation       = "validation_error"
	CauseVersionConflict  = "version_conflict"
	CauseRetriesExhausted = "retries_exhausted"
	CauseLockTimeout      = "lock_timeout"
	CauseLockBusy         = "lock_busy"
	CauseApprovalDenied   = "approval_denied"
	CauseApprovalTimeout  = "approval_timeout"
	CauseStorageWrite     = "storage_write_error"
	CauseRecordNotFound   = "record_not_found"
	CauseOverridden       = "overridden"
	CauseShutdown         = "engine_shutdown"
)

// ValidationError reports business rule violations. Not retried automatically;
// the caller must correct the input.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// NewValidationError builds a validation error from rule messages
func NewValidationError(errs ...string) *ValidationError {
	return &ValidationError{Errors: errs}
}

// VersionConflictError reports that the stored version no longer matches the
// version the caller observed. This is the expected contention path and is
// handled by the conflict resolver before it ever reaches a caller.
type VersionConflictError struct {
	Key             storage.RecordKey
	ExpectedVersion int64
	CurrentVersion  int64
	ConflictID      string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, stored %d",
		e.Key.String(), e.ExpectedVersion, e.CurrentVersion)
}

// LockHeldError reports that another in-flight operation already holds the
// logical lock for the key
type LockHeldError struct {
	Key      storage.RecordKey
	HolderID string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock on %s held by operation %s", e.Key.String(), e.HolderID)
}

// LockTimeoutError reports that a lock expired or could not be obtained within
// its deadline. The operation is aborted; the caller may resubmit.
type LockTimeoutError struct {
	Key         storage.RecordKey
	OperationID string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout on %s for operation %s", e.Key.String(), e.OperationID)
}

// ApprovalDeniedError is terminal; the operation is never retried
type ApprovalDeniedError struct {
	ApprovalID string
	Approver   string
	Comments   string
}

func (e *ApprovalDeniedError) Error() string {
	return fmt.Sprintf("approval %s denied by %s", e.ApprovalID, e.Approver)
}

// ApprovalTimeoutError is terminal; the approval wait exceeded its deadline
type ApprovalTimeoutError struct {
	ApprovalID string
	Waited     time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval %s timed out after %s", e.ApprovalID, e.Waited)
}

// StorageWriteError is fatal for the attempt: the lock holder's intent is
// stale, so the write is surfaced instead of silently retried
type StorageWriteError struct {
	Key storage.RecordKey
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write failed on %s: %v", e.Key.String(), e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// causeOf maps a pipeline error to its failure cause identifier
func causeOf(err error) string {
	switch err.(type) {
	case *ValidationError:
		return CauseValidation
	case *VersionConflictError:
		return CauseVersionConflict
	case *LockHeldError:
		return CauseLockBusy
	case *LockTimeoutError:
		return CauseLockTimeout
	case *ApprovalDeniedError:
		return CauseApprovalDenied
	case *ApprovalTimeoutError:
		return CauseApprovalTimeout
	case *StorageWriteError:
		return CauseStorageWrite
	}
	return "internal_error"
}
