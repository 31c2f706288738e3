// Package bbolt stores workbook snapshots in a BoltDB file.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/louisbranch/sheetsync/internal/storage"
)

const snapshotBucket = "snapshot"

// Store provides a BoltDB-backed snapshot store.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutSnapshot stores snapshot unless a snapshot with a later sequence is
// already stored for the same spreadsheet.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.SpreadsheetID) == "" {
		return fmt.Errorf("spreadsheet id is required")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		key := snapshotKey(snapshot.SpreadsheetID)
		if existing := bucket.Get(key); existing != nil {
			var stored storage.Snapshot
			if err := json.Unmarshal(existing, &stored); err == nil && stored.Seq > snapshot.Seq {
				return nil
			}
		}
		return bucket.Put(key, payload)
	})
}

// GetSnapshot fetches the latest snapshot of a spreadsheet.
func (s *Store) GetSnapshot(ctx context.Context, spreadsheetID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.db == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(spreadsheetID) == "" {
		return storage.Snapshot{}, fmt.Errorf("spreadsheet id is required")
	}

	var snapshot storage.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		payload := bucket.Get(snapshotKey(spreadsheetID))
		if payload == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Snapshot{}, err
		}
		return storage.Snapshot{}, fmt.Errorf("get snapshot %s: %w", spreadsheetID, err)
	}
	return snapshot, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket)); err != nil {
			return fmt.Errorf("create snapshot bucket: %w", err)
		}
		return nil
	})
}

func snapshotKey(spreadsheetID string) []byte {
	return []byte("spreadsheet/" + spreadsheetID)
}
