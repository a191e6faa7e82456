// Package sqlitestore implements internal/store.KV on top of an embedded
// SQLite database, for single-node deployments and local development where
// standing up an etcd cluster is overkill.
//
// Grounded on estuary-flow's go.mod dependency on github.com/mattn/go-sqlite3
// (it uses sqlite as a local catalog/build-products store); here the table
// is a plain key-value pair, giving the same durable-store contract as
// etcdstore without a network dependency.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a store.KV backed by a single SQLite table.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) a SQLite database at path and ensures the
// key-value table exists.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// The ledger's per-user lock already serializes writers; one
	// connection keeps sqlite's own locking simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements store.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)

	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlitestore: get %q: %w", key, err)
	}
	return value, true, nil
}

// Put implements store.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlitestore: put %q: %w", key, err)
	}
	return nil
}

// Close implements store.KV.
func (s *Store) Close() error {
	return s.db.Close()
}
