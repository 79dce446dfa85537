// Package database is the Postgres archive for settled invoices. The
// key-value store holds live processing state; Postgres keeps the durable
// record of what Mark purchased.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/processor"
)

// Database wraps the Postgres connection for the invoice archive.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ processor.Archiver = (*Database)(nil)

// Open connects to Postgres and verifies the connection.
func Open(connectionString string, logger *zap.Logger) (*Database, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{db: db, logger: logger}, nil
}

// Migrate creates the archive schema if missing.
func (d *Database) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invoice_archive (
			intent_id        TEXT PRIMARY KEY,
			invoice_id       TEXT NOT NULL,
			ticker_hash      TEXT NOT NULL,
			amount           TEXT NOT NULL,
			owner            TEXT NOT NULL,
			origin           TEXT NOT NULL,
			hub_status       TEXT NOT NULL,
			transaction_hash TEXT NOT NULL,
			archived_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create invoice_archive table: %w", err)
	}
	return nil
}

// ArchiveInvoice records a purchased invoice. Re-archiving the same
// intent updates the row, so processing retries stay idempotent.
func (d *Database) ArchiveInvoice(ctx context.Context, inv events.Invoice, txHash string) error {
	query := `
		INSERT INTO invoice_archive
			(intent_id, invoice_id, ticker_hash, amount, owner, origin, hub_status, transaction_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (intent_id) DO UPDATE SET
			hub_status = EXCLUDED.hub_status,
			transaction_hash = EXCLUDED.transaction_hash,
			archived_at = now()`
	_, err := d.db.ExecContext(ctx, query,
		inv.IntentID(),
		inv.ID,
		inv.TickerHash,
		inv.Amount,
		inv.Owner,
		inv.Intent.Origin,
		inv.HubStatus,
		txHash,
	)
	if err != nil {
		return fmt.Errorf("failed to archive invoice %s: %w", inv.ID, err)
	}
	d.logger.Debug("invoice archived",
		zap.String("invoice_id", inv.ID),
		zap.String("transaction_hash", txHash),
	)
	return nil
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}
