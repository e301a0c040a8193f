// Package audit records every state transition of an inventory operation as an
// immutable, timestamped, signed entry. Appending is fire-and-forget from the
// engine's point of view: a failing sink is logged and counted, never allowed
// to block or fail the business operation.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is a single audit trail record
type Entry struct {
	Offset      int64          `json:"offset"`
	Timestamp   time.Time      `json:"timestamp"`
	OperationID string         `json:"operationId"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor"`
	StoreID     string         `json:"storeId,omitempty"`
	ProductID   string         `json:"productId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Signature   string         `json:"signature,omitempty"`
}

// Recorder appends audit entries. Implementations must be safe for concurrent
// use and must never propagate append failures to the caller.
type Recorder interface {
	Append(entry Entry)
}

// Sign computes an HMAC-SHA256 signature over the entry's content fields.
// An empty key disables signing.
func Sign(entry Entry, key []byte) string {
	if len(key) == 0 {
		return ""
	}

	payload := struct {
		Timestamp   time.Time      `json:"timestamp"`
		OperationID string         `json:"operationId"`
		Action      string         `json:"action"`
		Actor       string         `json:"actor"`
		StoreID     string         `json:"storeId,omitempty"`
		ProductID   string         `json:"productId,omitempty"`
		Details     map[string]any `json:"details,omitempty"`
	}{entry.Timestamp, entry.OperationID, entry.Action, entry.Actor, entry.StoreID, entry.ProductID, entry.Details}

	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the entry's signature matches its content
func Verify(entry Entry, key []byte) bool {
	expected := Sign(entry, key)
	return expected != "" && hmac.Equal([]byte(expected), []byte(entry.Signature))
}
