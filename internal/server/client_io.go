package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
)

// Channel is the writable side of one connected peer.
//
// Writes happen only from broadcastAll, which holds Server.mu, so a
// Channel never sees concurrent writers. Close may race with a write and
// is idempotent: the handler and the shutdown path both call it.
type Channel struct {
	// ID identifies the connection in logs and the audit trail.
	ID string

	// PeerAddr is the remote address as reported at accept time.
	PeerAddr string

	conn         net.Conn
	w            *bufio.Writer
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func newChannel(conn net.Conn, writeTimeout time.Duration) *Channel {
	return &Channel{
		ID:           uuid.New().String(),
		PeerAddr:     conn.RemoteAddr().String(),
		conn:         conn,
		w:            bufio.NewWriter(conn),
		writeTimeout: writeTimeout,
	}
}

// writeLine writes line plus a terminator and flushes.
func (c *Channel) writeLine(line string) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close closes the underlying connection exactly once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// handleConn owns one accepted connection from handshake to cleanup.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()

	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			if s.Running() {
				s.sink.Emit(events.Warning(apperrors.CodeConnectionHandshakeFailed,
					"TLS handshake with %s failed: %v", peer, err))
			}
			return
		}
	}

	ch := newChannel(conn, s.opts.WriteTimeout)
	if !s.addChannel(ch) {
		// Shutdown began between accept and registration.
		ch.Close()
		return
	}

	s.sink.Emit(events.Info("client connected: %s", peer))
	s.audit(AuditEntry{Event: AuditPeerConnected, ConnID: ch.ID, PeerAddr: peer})

	reason := s.readLoop(ch)

	s.removeChannel(ch)
	if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("server: closing %s: %v", peer, err)
	}
	s.sink.Emit(events.Info("client %s disconnected", peer))
	s.audit(AuditEntry{Event: AuditPeerDisconnected, ConnID: ch.ID, PeerAddr: peer, Detail: reason})
}

// readLoop reads until the peer goes away and returns a short reason.
//
// Peers are receive-only, so inbound lines are read and discarded; the
// loop exists to notice disconnects. Errors while the server is Running
// are reported; errors caused by our own shutdown are not.
func (s *Server) readLoop(ch *Channel) string {
	sc := bufio.NewScanner(ch.conn)
	sc.Buffer(make([]byte, 4096), maxInboundLine)
	for sc.Scan() {
		// Inbound lines are a no-op, reserved for future peer commands.
	}

	err := sc.Err()
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return "closed by peer"
	case !s.Running():
		// Our own shutdown closed the socket under the blocked read.
		log.Printf("server: %v", apperrors.ShutdownRace(ch.PeerAddr, err))
		return "server shutdown"
	case ch.Closed():
		// Dropped by a failed broadcast write, already reported there.
		return "dropped after write failure"
	case errors.Is(err, bufio.ErrTooLong):
		s.sink.Emit(events.Warning(apperrors.CodeTransportReadFailed,
			"client %s sent an oversized line, closing", ch.PeerAddr))
		return "oversized inbound line"
	default:
		s.sink.Emit(events.Warning(apperrors.CodeTransportLost,
			"client %s disconnected abruptly: %v", ch.PeerAddr, err))
		return err.Error()
	}
}
