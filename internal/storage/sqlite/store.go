// Package sqlite implements the storage interface on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// New opens the engine database at path, creating it if needed. The
// engine owns the database exclusively for the life of the process;
// use ":memory:" for an ephemeral store.
func New(ctx context.Context, path string) (*Store, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", connString(path, inMemory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// The driver isolates in-memory databases per connection; a
		// single-connection pool keeps one shared view.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// One writer plus concurrent WAL readers; the process is the
		// sole opener, so contention is only between our own workers.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: path}, nil
}

// connString builds the driver URI. File stores run WAL; in-memory
// stores need a shared named cache, where WAL is unavailable, so they
// stay on the rollback journal.
func connString(path string, inMemory bool) string {
	const pragmas = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	if inMemory {
		return "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&" + pragmas
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&" + pragmas
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the underlying database. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
