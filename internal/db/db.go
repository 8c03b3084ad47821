// Package db opens the SQLite databases a storage element uses: the metadata
// index (per node) and the coordination database (shared by all replicas).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// OpenIndex opens the metadata index at path, creating it and running
// migrations as needed.
func OpenIndex(path string) (*sql.DB, error) {
	conn, err := open(path, "_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(indexSchema); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate index: %v, close failed: %w", err, closeErr)
		}
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return conn, nil
}

// OpenCoordination opens the shared coordination database at path. Every
// replica must point at the same file (or the same network-mounted path).
// Transactions take the write lock at BEGIN so concurrent lease acquires
// from different processes serialize instead of failing mid-transaction.
func OpenCoordination(path string) (*sql.DB, error) {
	conn, err := open(path, "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(coordinationSchema); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrate coordination: %v, close failed: %w", err, closeErr)
		}
		return nil, fmt.Errorf("migrate coordination: %w", err)
	}
	return conn, nil
}

// open opens the DB at path, creates the dir if needed.
func open(path, params string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?"+params)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping failed: %v, close failed: %w", err, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

const indexSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS objects (
  object_key TEXT PRIMARY KEY,
  file_id TEXT NOT NULL,
  name TEXT NOT NULL,
  owner TEXT NOT NULL,
  size INTEGER NOT NULL,
  checksum TEXT NOT NULL,
  content_type TEXT,
  mode TEXT NOT NULL DEFAULT 'RW',
  created_at REAL NOT NULL,
  modified_at REAL NOT NULL,
  compression TEXT NOT NULL DEFAULT 'none',
  encoded_size INTEGER NOT NULL DEFAULT 0,
  encrypted INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_file_id ON objects(file_id);
CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner);
CREATE INDEX IF NOT EXISTS idx_objects_name ON objects(name);
CREATE INDEX IF NOT EXISTS idx_objects_created ON objects(created_at);
`

const coordinationSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS leader_lease (
  name TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  term INTEGER NOT NULL,
  expires_at REAL NOT NULL
);
`
