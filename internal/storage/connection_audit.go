package storage

// connection_audit.go contains SQLiteStore methods for the connection audit
// trail: server start/stop and peer connect/disconnect records.

import (
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// ConnectionAuditEntry is a durable connection audit record.
type ConnectionAuditEntry struct {
	ID       int64
	Event    string
	ConnID   string
	PeerAddr string
	Detail   string
	At       time.Time
}

// ConnectionAuditFilter narrows ListConnectionAudit. Zero values match all.
type ConnectionAuditFilter struct {
	Event  string
	ConnID string
	Limit  int
}

// SaveAndPruneConnectionAudit inserts entry and, when maxRows is positive,
// prunes the oldest rows beyond maxRows in the same transaction.
func (s *SQLiteStore) SaveAndPruneConnectionAudit(entry *ConnectionAuditEntry, maxRows int) error {
	if entry == nil {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "connection audit entry cannot be nil")
	}
	if entry.Event == "" {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "connection audit entry needs an event")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "begin transaction", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO connection_audit (event, conn_id, peer_addr, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		entry.Event,
		entry.ConnID,
		entry.PeerAddr,
		entry.Detail,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "insert connection audit", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if maxRows > 0 {
		const pruneQuery = `
			DELETE FROM connection_audit
			WHERE id NOT IN (SELECT id FROM connection_audit ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, maxRows); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "prune connection audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "commit connection audit", err)
	}
	return nil
}

// ListConnectionAudit returns matching entries newest first.
func (s *SQLiteStore) ListConnectionAudit(filter ConnectionAuditFilter) ([]*ConnectionAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []interface{}
	)
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.ConnID != "" {
		where = append(where, "conn_id = ?")
		args = append(args, filter.ConnID)
	}

	query := "SELECT id, event, conn_id, peer_addr, detail, at FROM connection_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query connection audit", err)
	}
	defer rows.Close()

	var entries []*ConnectionAuditEntry
	for rows.Next() {
		var (
			entry ConnectionAuditEntry
			atStr string
		)
		if err := rows.Scan(&entry.ID, &entry.Event, &entry.ConnID, &entry.PeerAddr, &entry.Detail, &atStr); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan connection audit row", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "parse connection audit time", err)
		}
		entry.At = t
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate connection audit rows", err)
	}

	return entries, nil
}

// ProbeConnectionAuditWrite verifies the audit table is writable by
// inserting and deleting a row inside one transaction. The server calls it
// at startup so an unwritable database is reported before peers connect.
func (s *SQLiteStore) ProbeConnectionAuditWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO connection_audit (event, detail, at) VALUES (?, ?, ?)",
		"startup_probe",
		"startup_writability_check",
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert probe row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM connection_audit WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete probe row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit probe: %w", err)
	}
	log.Printf("storage: connection audit is writable")
	return nil
}
