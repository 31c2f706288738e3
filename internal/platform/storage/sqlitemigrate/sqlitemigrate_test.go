package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestApplyRecordsEachFileOnce(t *testing.T) {
	db := openDB(t)
	migrations := fstest.MapFS{
		"001_journal.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE entries(seq INTEGER PRIMARY KEY);\n-- +migrate Down\nDROP TABLE entries;")},
		"002_index.sql":   {Data: []byte("CREATE INDEX entries_seq ON entries(seq);")},
		"README.md":       {Data: []byte("ignored")},
	}

	for range 2 {
		if err := Apply(context.Background(), db, migrations, ""); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", n)
	}
	if n := count(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='entries'"); n != 1 {
		t.Fatalf("expected entries table")
	}
}

func TestApplyLeavesFailedMigrationUnrecorded(t *testing.T) {
	db := openDB(t)
	bad := fstest.MapFS{"001_bad.sql": {Data: []byte("CREAT TABLE things(id INT);")}}
	if err := Apply(context.Background(), db, bad, ""); err == nil {
		t.Fatalf("expected bad migration to fail")
	}
	if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 0 {
		t.Fatalf("expected no recorded migration, got %d", n)
	}

	good := fstest.MapFS{"001_bad.sql": {Data: []byte("CREATE TABLE things(id INTEGER PRIMARY KEY);")}}
	if err := Apply(context.Background(), db, good, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
	if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 1 {
		t.Fatalf("expected fixed migration recorded, got %d", n)
	}
}

func TestApplyKeysByRoot(t *testing.T) {
	db := openDB(t)
	migrations := fstest.MapFS{"migrations/001_journal.sql": {Data: []byte("CREATE TABLE journal(id TEXT);")}}
	if err := Apply(context.Background(), db, migrations, "migrations"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var key string
	if err := db.QueryRow("SELECT name FROM schema_migrations").Scan(&key); err != nil {
		t.Fatalf("query key: %v", err)
	}
	if key != "migrations/001_journal.sql" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestUpSection(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no markers", "SELECT 1;", "SELECT 1;"},
		{"up only", "-- +migrate Up\nSELECT 1;", "\nSELECT 1;"},
		{"up and down", "-- +migrate Up\nSELECT 1;\n-- +migrate Down\nSELECT 2;", "\nSELECT 1;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UpSection(tt.content); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAlreadyExists(t *testing.T) {
	if !AlreadyExists(errors.New("table entries already exists")) {
		t.Fatalf("expected already exists")
	}
	if AlreadyExists(errors.New("syntax error")) {
		t.Fatalf("unexpected already exists")
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}
