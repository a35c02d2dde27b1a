// Package webhook accepts upload-completion callbacks from the storage system. Callers are
// not end users, so requests are checked by payload shape only. Each callback is recorded
// once by idempotency key and forwarded to the file domain as a one-way event.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/morezero/api-gateway/pkg/apierror"
	"github.com/morezero/api-gateway/pkg/db"
	"github.com/morezero/api-gateway/pkg/events"
)

const logPrefix = "webhook:webhook"

// IdempotencyHeader lets the storage system name the delivery explicitly.
const IdempotencyHeader = "Idempotency-Key"

// UploadComplete is the callback body.
type UploadComplete struct {
	FileID      string `json:"fileId"`
	Key         string `json:"key"`
	Bucket      string `json:"bucket"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ETag        string `json:"etag"`
}

// Validate checks the payload shape.
func (p *UploadComplete) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Key) == "" {
		missing = append(missing, "key")
	}
	if strings.TrimSpace(p.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return apierror.BadRequest(fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", ")))
	}
	if p.Size < 0 {
		return apierror.BadRequest("size must not be negative")
	}
	return nil
}

// IdempotencyKey derives the receipt key from the object identity. The ETag changes when the
// object is overwritten, so a re-upload to the same key is a new receipt.
func (p *UploadComplete) IdempotencyKey() string {
	return p.Bucket + "/" + p.Key + "#" + p.ETag
}

// Result is returned to the callback caller.
type Result struct {
	ReceiptID string `json:"receiptId"`
	Duplicate bool   `json:"duplicate"`
	Forwarded bool   `json:"forwarded"`
}

// DefaultForwardLease bounds how long a forwarding claim blocks other deliveries of the
// same upload.
const DefaultForwardLease = 30 * time.Second

// MsgForwardInProgress is returned to a delivery that races an in-flight forward.
const MsgForwardInProgress = "upload callback is already being forwarded"

// Receiver records and forwards upload callbacks.
type Receiver struct {
	store     Store
	publisher events.EventPublisher
	now       func() time.Time
	// Lease is how long a forwarding claim is honoured.
	Lease time.Duration
}

// NewReceiver creates a Receiver. A nil store means an in-memory one.
func NewReceiver(store Store, publisher events.EventPublisher) *Receiver {
	if store == nil {
		store = NewMemoryStore()
	}
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	return &Receiver{store: store, publisher: publisher, now: time.Now, Lease: DefaultForwardLease}
}

// Store returns the receipt store.
func (r *Receiver) Store() Store {
	return r.store
}

// Decode parses and validates a callback body.
func Decode(body []byte) (*UploadComplete, error) {
	var p UploadComplete
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apierror.BadRequest("invalid JSON body")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Receive records p under key (derived from the payload when empty) and forwards it. A
// callback whose receipt was already forwarded is acknowledged without forwarding again; one
// whose earlier forward failed is retried. A delivery that arrives while another forward of
// the same receipt is in flight gets a conflict so the sender retries later.
func (r *Receiver) Receive(ctx context.Context, p *UploadComplete, key string, raw json.RawMessage) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if key == "" {
		key = p.IdempotencyKey()
	}

	stored, inserted, err := r.store.RecordReceipt(ctx, &db.Receipt{
		IdempotencyKey: key,
		Source:         "upload",
		FileID:         p.FileID,
		Key:            p.Key,
		Bucket:         p.Bucket,
		Size:           p.Size,
		ContentType:    p.ContentType,
		ETag:           p.ETag,
		Payload:        raw,
	})
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("%s - record receipt: %w", logPrefix, err))
	}

	res := &Result{ReceiptID: stored.ID, Duplicate: !inserted}
	if !inserted && stored.Forwarded() {
		return r.acknowledge(res, key), nil
	}

	claimed, err := r.store.ClaimForward(ctx, key, r.Lease)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("%s - claim receipt: %w", logPrefix, err))
	}
	if !claimed {
		current, err := r.store.GetReceipt(ctx, key)
		if err != nil {
			return nil, apierror.Internal(fmt.Errorf("%s - reload receipt: %w", logPrefix, err))
		}
		if current.Forwarded() {
			return r.acknowledge(res, key), nil
		}
		slog.Info(fmt.Sprintf("%s - Upload callback %s raced an in-flight forward", logPrefix, key))
		return nil, apierror.Conflict(MsgForwardInProgress)
	}

	event := &events.UploadCompletedEvent{
		ReceiptID:   stored.ID,
		FileID:      p.FileID,
		Key:         p.Key,
		Bucket:      p.Bucket,
		Size:        p.Size,
		ContentType: p.ContentType,
		ETag:        p.ETag,
		Timestamp:   r.now().UTC().Format(time.RFC3339),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		if markErr := r.store.MarkFailed(ctx, key, err.Error()); markErr != nil {
			slog.Warn(fmt.Sprintf("%s - failed to record forward failure for %s: %v", logPrefix, key, markErr))
		}
		return nil, err
	}
	if err := r.store.MarkForwarded(ctx, key); err != nil {
		// The event is already out; report success and leave the receipt for inspection.
		slog.Warn(fmt.Sprintf("%s - failed to mark %s forwarded: %v", logPrefix, key, err))
	}

	slog.Info(fmt.Sprintf("%s - Upload %s/%s forwarded (receipt %s)", logPrefix, p.Bucket, p.Key, stored.ID))
	res.Forwarded = true
	return res, nil
}

func (r *Receiver) acknowledge(res *Result, key string) *Result {
	slog.Info(fmt.Sprintf("%s - Duplicate upload callback %s acknowledged", logPrefix, key))
	res.Duplicate = true
	res.Forwarded = true
	return res
}

// Receipts returns a page of recorded receipts.
func (r *Receiver) Receipts(ctx context.Context, limit, offset int) (*db.ReceiptPage, error) {
	page, err := r.store.ListReceipts(ctx, limit, offset)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("%s - list receipts: %w", logPrefix, err))
	}
	return page, nil
}
