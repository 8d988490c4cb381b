// Package db provides SQLite persistence for testbedd.
//
// This package handles:
//   - Database connection management with SQLite
//   - Schema migrations
//   - The registry of hosts, peers, overlay links and barriers known to a testbed service
//   - Event logging and querying
//
// The database uses SQLite with WAL mode for concurrent access. The registry
// mirrors the in-memory state of service.Local so that an operator can inspect
// a running or crashed experiment; it is never read back to rebuild state.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dataDirPerms = 0o750 // Permissions for database directory (owner full, group read+exec)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var ErrNotFound = errors.New("not found")

// Store holds the SQLite handle for testbedd.
//
// It uses a single connection with WAL mode. Max open connections is limited
// to 1 to avoid write conflicts.
//
// Example usage:
//
//	store, err := db.Open("/var/lib/testbed/testbed.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	peers, err := store.ListPeers(ctx)
type Store struct {
	Path string
	DB   *sql.DB
}

// Open connects to SQLite, applies pragmas, and runs migrations.
//
// The special path ":memory:" opens a private in-memory database, which is
// what TestRun uses when no db_path is configured.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if path != MemoryPath {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn}, nil
}

// Close releases the underlying database connection. It is safe to call on a
// nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("db directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create db dir %s: %w", path, err)
	}
	return nil
}

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}
