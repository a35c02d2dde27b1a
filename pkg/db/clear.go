package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearReceipts truncates the webhook receipt table. Schema and migration history are kept.
func ClearReceipts(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing webhook receipts", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE webhook_receipts RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Webhook receipts cleared", clearLogPrefix))
	return nil
}
