package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates a journal entry that was already stored.
	ErrDuplicate = errors.New("duplicate journal entry")
)

// Entry is one sequenced message of a spreadsheet room.
type Entry struct {
	SpreadsheetID string
	Seq           int64
	ClientID      string
	// Counter is the sender's clock entry for the message.
	Counter int
	// Payload is the encoded message.
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Journal persists the sequenced messages of spreadsheet rooms.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	// Since returns the entries of spreadsheetID with a sequence greater than
	// afterSeq, in sequence order.
	Since(ctx context.Context, spreadsheetID string, afterSeq int64) ([]Entry, error)
	Close() error
}

// Snapshot is the exported workbook of a room once it had integrated every
// message up to Seq.
type Snapshot struct {
	SpreadsheetID string            `json:"spreadsheet_id"`
	Seq           int64             `json:"seq"`
	Workbook      document.Workbook `json:"workbook"`
	TakenAt       time.Time         `json:"taken_at"`
}

// SnapshotStore persists the latest snapshot of each spreadsheet.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, spreadsheetID string) (Snapshot, error)
	Close() error
}
