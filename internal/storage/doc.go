// Package storage defines the persistence interfaces of the relay.
//
// A Journal keeps the sequenced messages of every spreadsheet room so a
// restarted relay can rebuild its rooms and serve catch-up to clients that
// reconnect. A SnapshotStore keeps the latest exported workbook of a room,
// as computed by the relay's headless replica.
//
// Implementations live in subpackages: sqlite and postgres journals, and a
// bbolt snapshot store.
//
// # Error Types
//
//   - ErrNotFound: a requested record is missing.
//   - ErrDuplicate: a journal entry reuses a sequence or a (client, counter)
//     pair of its spreadsheet.
package storage
