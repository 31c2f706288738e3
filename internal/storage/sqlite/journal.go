// Package sqlite provides a SQLite-backed relay journal.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/sheetsync/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sheetsync/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Journal stores room messages in a SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens the journal at path and applies its migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := sqlitemigrate.Apply(ctx, db, migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
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
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal_entries (spreadsheet_id, seq, client_id, counter, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SpreadsheetID, entry.Seq, entry.ClientID, entry.Counter, []byte(entry.Payload), createdAt.UTC().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("append %s/%d: %w", entry.SpreadsheetID, entry.Seq, storage.ErrDuplicate)
		}
		return fmt.Errorf("append %s/%d: %w", entry.SpreadsheetID, entry.Seq, err)
	}
	return nil
}

// Since returns the entries of spreadsheetID after afterSeq.
func (j *Journal) Since(ctx context.Context, spreadsheetID string, afterSeq int64) ([]storage.Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, client_id, counter, payload, created_at FROM journal_entries
WHERE spreadsheet_id = ? AND seq > ? ORDER BY seq`,
		spreadsheetID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal %s: %w", spreadsheetID, err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		entry := storage.Entry{SpreadsheetID: spreadsheetID}
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&entry.Seq, &entry.ClientID, &entry.Counter, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Payload = payload
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", spreadsheetID, err)
	}
	return entries, nil
}
