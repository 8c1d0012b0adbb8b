package server

// This file bridges the storage and server packages for connection audit
// logging.

import (
	"log"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/storage"
)

// AuditStoreAdapter adapts SQLiteStore to the Auditor interface.
// The server and storage packages each define their own entry type to
// avoid an import cycle.
type AuditStoreAdapter struct {
	store   *storage.SQLiteStore
	maxRows int
}

// NewAuditStoreAdapter wraps store. maxRows bounds the audit table; zero
// keeps every row.
func NewAuditStoreAdapter(store *storage.SQLiteStore, maxRows int) *AuditStoreAdapter {
	return &AuditStoreAdapter{store: store, maxRows: maxRows}
}

// RecordConnection persists the entry to SQLite and logs for observability.
func (a *AuditStoreAdapter) RecordConnection(entry AuditEntry) error {
	row := &storage.ConnectionAuditEntry{
		Event:    string(entry.Event),
		ConnID:   entry.ConnID,
		PeerAddr: entry.PeerAddr,
		Detail:   entry.Detail,
		At:       entry.At,
	}
	if err := a.store.SaveAndPruneConnectionAudit(row, a.maxRows); err != nil {
		return err
	}
	log.Printf("connection audit: event=%s conn=%s peer=%s", entry.Event, entry.ConnID, entry.PeerAddr)
	return nil
}
