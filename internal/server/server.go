// Package server implements the broadcasting side of the notification
// channel: a TLS listener, one goroutine per connected peer, and a registry
// of peer channels that every operator line is fanned out to.
//
// Concurrency model:
//   - the accept loop runs in its own goroutine while the server is Running
//   - each accepted connection gets a handler goroutine that completes the
//     handshake, registers a Channel and reads until the peer goes away
//   - Server.mu guards the lifecycle state AND the channel set, so "is the
//     server running" checks and registry mutations can never interleave
//     with the shutdown transition
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
)

// Default timeouts applied by New when Options leaves them zero.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	// acceptRetryInterval paces the accept loop after a transient error.
	acceptRetryInterval = 50 * time.Millisecond

	// maxInboundLine bounds what a peer may send on one line. Peers are
	// receive-only, so anything longer ends the connection.
	maxInboundLine = 64 * 1024
)

// State is the server lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Server.
type Options struct {
	// BindHost is the interface to listen on. Empty means all interfaces.
	BindHost string

	// Port is the TCP port. Zero picks an ephemeral port (see Addr).
	Port int

	// KeystorePath is the PKCS#12 key store holding the server identity.
	KeystorePath string

	// HandshakeTimeout bounds each peer's TLS handshake.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each per-peer write during a broadcast, so one
	// stuck peer cannot hold the registry lock indefinitely.
	WriteTimeout time.Duration

	// DrainTimeout, when positive, makes Stop wait up to this long for
	// client handler goroutines to finish their cleanup. Zero means Stop
	// does not wait for them.
	DrainTimeout time.Duration
}

// Server is a one-to-many TLS broadcast server. Only one Start/Stop cycle
// runs at a time, but a stopped Server can be started again.
type Server struct {
	opts Options
	sink events.Sink

	// mu guards every field below it.
	mu          sync.Mutex
	state       State
	listener    net.Listener
	channels    map[*Channel]struct{}
	cancel      context.CancelFunc
	acceptDone  chan struct{}
	fingerprint string
	auditor     Auditor

	// handlers tracks this run's client handler goroutines for the
	// optional drain. A fresh group per Start keeps a timed-out drain
	// from overlapping the next run.
	handlers *sync.WaitGroup
}

// New creates a stopped server. sink may be nil.
func New(opts Options, sink events.Sink) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Server{
		opts:     opts,
		sink:     sink,
		state:    StateStopped,
		channels: make(map[*Channel]struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the server is accepting and broadcasting.
func (s *Server) Running() bool {
	return s.State() == StateRunning
}

// Addr returns the listening address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 when not running.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Fingerprint returns the SHA-256 fingerprint of the certificate the
// server presents. Empty until the first successful Start.
func (s *Server) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}
