// Package postgres provides a PostgreSQL-backed relay journal.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louisbranch/sheetsync/internal/storage"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
    spreadsheet_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    client_id TEXT NOT NULL,
    counter INTEGER NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (spreadsheet_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS journal_entries_sender ON journal_entries (spreadsheet_id, client_id, counter);
`

// Journal stores room messages in PostgreSQL.
type Journal struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the journal schema.
func Open(ctx context.Context, databaseURL string) (*Journal, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &Journal{pool: pool}, nil
}

// Close releases the pool.
func (j *Journal) Close() error {
	if j != nil && j.pool != nil {
		j.pool.Close()
	}
	return nil
}

// Append stores entry. It returns storage.ErrDuplicate when the sequence or
// the sender counter is already taken.
func (j *Journal) Append(ctx context.Context, entry storage.Entry) error {
	if strings.TrimSpace(entry.SpreadsheetID) == "" {
		return fmt.Errorf("spreadsheet id is required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := j.pool.Exec(ctx,
		`INSERT INTO journal_entries (spreadsheet_id, seq, client_id, counter, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SpreadsheetID, entry.Seq, entry.ClientID, entry.Counter, string(entry.Payload), createdAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("append %s/%d: %w", entry.SpreadsheetID, entry.Seq, storage.ErrDuplicate)
		}
		return fmt.Errorf("append %s/%d: %w", entry.SpreadsheetID, entry.Seq, err)
	}
	return nil
}

// Since returns the entries of spreadsheetID after afterSeq.
func (j *Journal) Since(ctx context.Context, spreadsheetID string, afterSeq int64) ([]storage.Entry, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT seq, client_id, counter, payload::text, created_at FROM journal_entries
WHERE spreadsheet_id = $1 AND seq > $2 ORDER BY seq`,
		spreadsheetID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal %s: %w", spreadsheetID, err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		entry := storage.Entry{SpreadsheetID: spreadsheetID}
		var payload string
		if err := rows.Scan(&entry.Seq, &entry.ClientID, &entry.Counter, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", spreadsheetID, err)
	}
	return entries, nil
}
