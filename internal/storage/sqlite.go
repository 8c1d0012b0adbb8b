// Package storage persists the connection audit trail in SQLite.
//
// Only connection lifecycle facts are stored (who connected, when, and why
// they left). Broadcast lines are never written to disk.
package storage

import (
	"fmt"
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so no CGO is needed.
	"database/sql"

	_ "modernc.org/sqlite"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// SQLiteStore is the connection audit database. It creates the schema on
// first use and serializes access through internal locking.
type SQLiteStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations.
}

// NewSQLiteStore opens or creates a SQLite database at path and applies
// any pending migrations. Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// busy_timeout lets the audit CLI read while a server is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, fmt.Sprintf("open database %s", path), err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, fmt.Sprintf("ping database %s", path), err)
	}

	// An in-memory database exists per connection; pin the pool to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
