package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the connection_audit table.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// Timestamps are stored as RFC3339Nano strings for readability.
	// There is intentionally no column for message content.
	const auditTable = `
		CREATE TABLE IF NOT EXISTS connection_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			peer_addr TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(auditTable); err != nil {
		return fmt.Errorf("create connection_audit table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds lookup indexes for the audit CLI filters.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	const indexes = `
		CREATE INDEX IF NOT EXISTS idx_connection_audit_event ON connection_audit(event);
		CREATE INDEX IF NOT EXISTS idx_connection_audit_conn ON connection_audit(conn_id);
	`

	if _, err := s.db.Exec(indexes); err != nil {
		return fmt.Errorf("create connection_audit indexes: %w", err)
	}

	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
