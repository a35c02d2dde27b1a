package db

import (
	"encoding/json"
	"time"
)

// Receipt is one recorded upload-completion callback.
type Receipt struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Source         string          `json:"source"`
	FileID         string          `json:"fileId,omitempty"`
	Key            string          `json:"key"`
	Bucket         string          `json:"bucket"`
	Size           int64           `json:"size"`
	ContentType    string          `json:"contentType,omitempty"`
	ETag           string          `json:"etag,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ForwardedAt    *time.Time      `json:"forwardedAt,omitempty"`
	// ClaimedAt is set while a forward is in flight.
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	ForwardAttempts int        `json:"forwardAttempts"`
	LastError       string     `json:"lastError,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Forwarded reports whether the receipt has been handed to the file domain.
func (r *Receipt) Forwarded() bool {
	return r.ForwardedAt != nil
}

// Claimable reports whether a forward may start at now: the receipt is unforwarded and
// carries no claim younger than lease.
func (r *Receipt) Claimable(now time.Time, lease time.Duration) bool {
	if r.Forwarded() {
		return false
	}
	return r.ClaimedAt == nil || !r.ClaimedAt.After(now.Add(-lease))
}

// ReceiptPage is one page of receipts plus the total row count.
type ReceiptPage struct {
	Items  []Receipt `json:"items"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}
