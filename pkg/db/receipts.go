package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const receiptsLogPrefix = "db:receipts"

// ErrReceiptNotFound is returned when no receipt has the requested idempotency key.
var ErrReceiptNotFound = errors.New("db: receipt not found")

// ReceiptRepository stores webhook receipts in PostgreSQL.
type ReceiptRepository struct {
	pool *pgxpool.Pool
}

// NewReceiptRepository creates a repository on pool.
func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

const receiptColumns = `id::text, idempotency_key, source, file_id, object_key, bucket, size, content_type,
	etag, payload, forwarded_at, claimed_at, forward_attempts, last_error, created_at`

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	var payload []byte
	err := row.Scan(&r.ID, &r.IdempotencyKey, &r.Source, &r.FileID, &r.Key, &r.Bucket, &r.Size,
		&r.ContentType, &r.ETag, &payload, &r.ForwardedAt, &r.ClaimedAt, &r.ForwardAttempts, &r.LastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	return &r, nil
}

// RecordReceipt inserts r unless a receipt with the same idempotency key exists. It returns
// the stored receipt and whether this call inserted it.
func (r *ReceiptRepository) RecordReceipt(ctx context.Context, rec *Receipt) (*Receipt, bool, error) {
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	source := rec.Source
	if source == "" {
		source = "upload"
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_receipts (idempotency_key, source, file_id, object_key, bucket, size, content_type, etag, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+receiptColumns,
		rec.IdempotencyKey, source, rec.FileID, rec.Key, rec.Bucket, rec.Size, rec.ContentType, rec.ETag, payload)

	stored, err := scanReceipt(row)
	if err == nil {
		slog.Debug(fmt.Sprintf("%s - Recorded receipt %s", receiptsLogPrefix, stored.IdempotencyKey))
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("%s - insert receipt: %w", receiptsLogPrefix, err)
	}

	existing, err := r.GetReceipt(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	slog.Debug(fmt.Sprintf("%s - Duplicate receipt %s", receiptsLogPrefix, rec.IdempotencyKey))
	return existing, false, nil
}

// GetReceipt loads a receipt by idempotency key.
func (r *ReceiptRepository) GetReceipt(ctx context.Context, key string) (*Receipt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM webhook_receipts WHERE idempotency_key = $1`, key)
	rec, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get receipt: %w", receiptsLogPrefix, err)
	}
	return rec, nil
}

// ClaimForward takes the forwarding claim on an unforwarded receipt. It succeeds when no
// claim exists or the existing one is older than lease, so a crashed forwarder does not
// block retries forever. Only one concurrent caller can win.
func (r *ReceiptRepository) ClaimForward(ctx context.Context, key string, lease time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_receipts
		SET claimed_at = now()
		WHERE idempotency_key = $1
		  AND forwarded_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at <= now() - make_interval(secs => $2))`,
		key, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("%s - claim forward: %w", receiptsLogPrefix, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetReceipt(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

// MarkForwarded stamps forwarded_at, counts the attempt and releases the claim.
func (r *ReceiptRepository) MarkForwarded(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_receipts
		SET forwarded_at = now(), claimed_at = NULL, forward_attempts = forward_attempts + 1, last_error = ''
		WHERE idempotency_key = $1`, key)
	if err != nil {
		return fmt.Errorf("%s - mark forwarded: %w", receiptsLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// MarkFailed records a failed forward attempt and releases the claim; the receipt stays
// unforwarded.
func (r *ReceiptRepository) MarkFailed(ctx context.Context, key, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_receipts
		SET claimed_at = NULL, forward_attempts = forward_attempts + 1, last_error = $2
		WHERE idempotency_key = $1`, key, reason)
	if err != nil {
		return fmt.Errorf("%s - mark failed: %w", receiptsLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ListReceipts returns receipts newest first.
func (r *ReceiptRepository) ListReceipts(ctx context.Context, limit, offset int) (*ReceiptPage, error) {
	limit, offset = ClampPage(limit, offset)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_receipts`).Scan(&total); err != nil {
		return nil, fmt.Errorf("%s - count receipts: %w", receiptsLogPrefix, err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+receiptColumns+`
		FROM webhook_receipts ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s - list receipts: %w", receiptsLogPrefix, err)
	}
	defer rows.Close()

	page := &ReceiptPage{Items: []Receipt{}, Total: total, Limit: limit, Offset: offset}
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - scan receipt: %w", receiptsLogPrefix, err)
		}
		page.Items = append(page.Items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate receipts: %w", receiptsLogPrefix, err)
	}
	return page, nil
}

// Default and maximum page sizes for receipt listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ClampPage normalizes paging arguments.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
