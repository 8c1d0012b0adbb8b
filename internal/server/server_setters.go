package server

import (
	"log"
	"time"
)

// AuditEvent names a connection lifecycle event in the audit trail.
type AuditEvent string

const (
	AuditServerStarted    AuditEvent = "server_started"
	AuditServerStopped    AuditEvent = "server_stopped"
	AuditPeerConnected    AuditEvent = "peer_connected"
	AuditPeerDisconnected AuditEvent = "peer_disconnected"
)

// AuditEntry is one connection audit record. It deliberately has no field
// for message content: broadcast lines are never recorded.
type AuditEntry struct {
	Event    AuditEvent
	ConnID   string
	PeerAddr string
	Detail   string
	At       time.Time
}

// Auditor persists connection audit records.
// The server package defines its own entry type so it does not depend on
// the storage package; see AuditStoreAdapter.
type Auditor interface {
	RecordConnection(entry AuditEntry) error
}

// SetAuditor sets the connection audit writer. Pass nil to disable.
// Safe to call at any time; records already in flight use the previous one.
func (s *Server) SetAuditor(a Auditor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditor = a
}

// audit records entry if an auditor is configured. Failures are logged
// and never affect the connection they describe.
func (s *Server) audit(entry AuditEntry) {
	s.mu.Lock()
	a := s.auditor
	s.mu.Unlock()
	if a == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if err := a.RecordConnection(entry); err != nil {
		log.Printf("server: audit write failed: %v", err)
	}
}
