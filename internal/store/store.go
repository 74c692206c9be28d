// Package store implements component B of Karl: a small transactional
// keyed database over the tables described in spec.md §3 (ClaireInfo,
// ClaireBuildInfo, ServerInfo, KarlInfo), backed by SQLite. See spec.md
// §4.2.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that find no row for the key.
var ErrNotFound = errors.New("store: not found")

// Store is the keyed store (B). A single SQLite connection backs it
// (SetMaxOpenConns(1), following the teacher's internal/db.Open), which
// gives Karl the serializable total order spec.md §4.2 requires without
// hand-rolling a lock manager.
type Store struct {
	db *sql.DB

	// writeVersion counts commits made through ReadWriteTransaction. PRAGMA
	// data_version does not move for commits made on the same connection
	// that reads it, and every write and read here share the one pinned
	// connection, so it cannot stand in for "did Karl's own writes change
	// anything." This in-process counter does.
	writeVersion atomic.Int64
}

// Open opens or creates the store's backing file at path and brings its
// schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the backing connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteVersion returns the number of ReadWriteTransaction calls that have
// committed so far. The proxy materializer (F) uses this as the "current
// (B)-backing-log size" spec.md §4.6 asks it to compare against, since the
// mutation log itself is the database file (see migrations.go) and every
// commit to it passes through ReadWriteTransaction.
func (s *Store) WriteVersion() int64 {
	return s.writeVersion.Load()
}

// ReadTx is the immutable snapshot handle passed to ReadOnlyTransaction's
// callback, also embedded in WriteTx so writers can read their own writes.
type ReadTx struct {
	tx *sql.Tx
}

// WriteTx additionally exposes upsert operations.
type WriteTx struct {
	ReadTx
}

// ReadOnlyTransaction runs f against an immutable snapshot of every table.
// It runs on the store's single connection, so read-onlys do not run in
// parallel: each waits for any other transaction to finish (spec.md §4.2).
func (s *Store) ReadOnlyTransaction(ctx context.Context, f func(*ReadTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: begin read tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := f(&ReadTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadWriteTransaction runs f with mutable table handles. All writes f
// performs either all commit or all abort; the single backing connection
// linearizes every read-write transaction against every other (spec.md
// §4.2).
func (s *Store) ReadWriteTransaction(ctx context.Context, f func(*WriteTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin write tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := f(&WriteTx{ReadTx{tx: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.writeVersion.Add(1)
	return nil
}
