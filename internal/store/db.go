// Package store persists the relay's durable state: the message window,
// pending attachment bundles, the dedupe ledger, cached blobs and the
// key-value sync state (cursor, credential, bound target). Everything
// lives in a single SQLite database under the daemon data directory.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite connection for the app-owned relay.db.
type DB struct {
	*sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so the row-level
// operations can run standalone or inside a cycle commit transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
