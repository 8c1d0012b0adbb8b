// Package peer implements the receiving side of the notification channel:
// a session that connects to one broadcast server over TLS and surfaces
// every line it receives until either side disconnects.
package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
	tlsx "github.com/TrongDang2608/Secure-Broadcaster/internal/tls"
)

// Defaults applied by New when Options leaves them zero.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultDisconnectTimeout = time.Second

	maxLine = 64 * 1024
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Session.
type Options struct {
	// TrustStorePath is the PKCS#12 trust store (or key store) whose
	// certificates are trusted as server identities.
	TrustStorePath string

	// DialTimeout bounds the TCP dial plus TLS handshake.
	DialTimeout time.Duration

	// DisconnectTimeout bounds how long Disconnect waits for the receive
	// loop to exit after the socket is closed.
	DisconnectTimeout time.Duration
}

// Session is a single client connection to a broadcast server. A session
// can be reconnected after it returns to Disconnected.
//
// Events are emitted while holding the session mutex, which is what keeps
// a disconnect and a concurrent end-of-stream from both being reported.
// A Sink must therefore never call back into the Session.
type Session struct {
	opts Options
	sink events.Sink

	mu    sync.Mutex
	state State
	conn  *tls.Conn
	addr  string
	done  chan struct{}
}

// New creates a disconnected session. sink may be nil.
func New(opts Options, sink events.Sink) *Session {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Session{opts: opts, sink: sink}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is receiving.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// RemoteAddr returns the server address of the current connection, or ""
// when not connected.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return ""
	}
	return s.addr
}

// Done returns a channel closed when the most recent receive loop exits.
// The channel stays in place after the loop ends and is replaced only by
// the next successful Connect, so a caller may ask for it late. Done is
// nil before the first successful Connect.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect unlocks the trust store with cred, dials host:port, completes
// the TLS handshake and starts the receive loop.
//
// cred is always destroyed before Connect returns. On failure the session
// is Disconnected, no receive loop is running, and the error is also
// reported to the sink.
func (s *Session) Connect(ctx context.Context, host string, port int, cred *credential.Credential) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		cred.Destroy()
		return apperrors.New(apperrors.CodeSessionAlreadyConnected,
			fmt.Sprintf("cannot connect while %s", state))
	}
	s.state = StateConnecting
	s.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.sink.Emit(events.Info("connecting to %s...", addr))

	tlsCtx, err := tlsx.NewContext(tlsx.RoleClient, s.opts.TrustStorePath, cred)
	if err != nil {
		return s.failConnect(err)
	}

	conn, err := tlsCtx.Dial(ctx, addr, s.opts.DialTimeout)
	if err != nil {
		return s.failConnect(err)
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateConnected
	s.conn = conn
	s.addr = addr
	s.done = done
	s.sink.Emit(events.Info("connected to %s", addr))
	s.sink.SetActive(true)
	s.mu.Unlock()

	go s.receiveLoop(conn, done)
	return nil
}

func (s *Session) failConnect(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected

	code, msg := apperrors.ToCodeAndMessage(err)
	s.sink.Emit(events.Error(code, "connection failed: %s", msg))
	s.sink.SetActive(false)
	return err
}

// receiveLoop surfaces each inbound line until the connection ends.
//
// If the loop finds the session still Connected when the stream ends, the
// end was unsolicited: it claims the teardown and reports it. Otherwise
// Disconnect owns the teardown and the loop exits silently.
func (s *Session) receiveLoop(conn *tls.Conn, done chan struct{}) {
	defer close(done)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), maxLine)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")

		s.mu.Lock()
		if s.state != StateConnected || s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.sink.Emit(events.Message(line))
		s.mu.Unlock()
	}

	err := sc.Err()

	s.mu.Lock()
	if s.state != StateConnected || s.conn != conn {
		// Disconnect closed the socket under us.
		s.mu.Unlock()
		if err != nil {
			log.Printf("peer: %v", apperrors.ShutdownRace(remoteAddr(conn), err))
		}
		return
	}
	s.state = StateDisconnected
	s.conn = nil
	addr := s.addr
	switch {
	case err == nil, errors.Is(err, io.EOF):
		s.sink.Emit(events.Error(apperrors.CodeTransportLost, "connection closed by server %s", addr))
	default:
		s.sink.Emit(events.Error(apperrors.CodeTransportLost, "connection to %s lost: %v", addr, err))
	}
	s.sink.SetActive(false)
	s.mu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("peer: closing %s: %v", addr, err)
	}
}

func remoteAddr(conn *tls.Conn) string {
	if ra := conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return "server"
}

// Disconnect closes the connection and waits up to DisconnectTimeout for
// the receive loop to exit. A caller-initiated disconnect is not reported
// as a failure, and no inbound line is surfaced after Disconnect begins.
//
// Disconnect returns a session.not_connected error when there is nothing
// to disconnect, including when the server closed the connection first.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return apperrors.New(apperrors.CodeSessionNotConnected,
			fmt.Sprintf("cannot disconnect while %s", state))
	}
	s.state = StateDisconnecting
	conn, done, addr := s.conn, s.done, s.addr
	s.mu.Unlock()

	s.sink.Emit(events.Info("disconnecting from %s...", addr))

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("peer: closing %s: %v", addr, err)
	}

	select {
	case <-done:
	case <-time.After(s.opts.DisconnectTimeout):
		log.Printf("peer: receive loop for %s still running after %s", addr, s.opts.DisconnectTimeout)
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.conn = nil
	s.sink.Emit(events.Info("disconnected"))
	s.sink.SetActive(false)
	s.mu.Unlock()
	return nil
}
