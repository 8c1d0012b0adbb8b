package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
	tlsx "github.com/TrongDang2608/Secure-Broadcaster/internal/tls"
)

// Start unlocks the key store with cred, binds the listening socket and
// starts the accept loop. It returns once the server is Running or has
// fallen back to Stopped.
//
// cred is always destroyed before Start returns. Credential and listen
// failures are returned and also reported to the sink.
func (s *Server) Start(cred *credential.Credential) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		cred.Destroy()
		return apperrors.New(apperrors.CodeServerAlreadyRunning,
			fmt.Sprintf("server cannot start while %s", state))
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.sink.Emit(events.Info("starting server..."))

	tlsCtx, err := tlsx.NewContext(tlsx.RoleServer, s.opts.KeystorePath, cred)
	if err != nil {
		return s.failStart(err)
	}

	addr := net.JoinHostPort(s.opts.BindHost, strconv.Itoa(s.opts.Port))
	ln, err := tlsCtx.Listen(addr)
	if err != nil {
		return s.failStart(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	acceptDone := make(chan struct{})
	handlers := &sync.WaitGroup{}

	s.mu.Lock()
	s.state = StateRunning
	s.listener = ln
	s.cancel = cancel
	s.acceptDone = acceptDone
	s.handlers = handlers
	s.fingerprint = tlsCtx.Fingerprint()
	s.channels = make(map[*Channel]struct{})
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln, acceptDone, handlers)

	s.sink.Emit(events.Info("TLS server listening on port %d", s.Port()))
	s.sink.SetActive(true)
	s.audit(AuditEntry{Event: AuditServerStarted, PeerAddr: ln.Addr().String()})
	return nil
}

func (s *Server) failStart(err error) error {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	code, msg := apperrors.ToCodeAndMessage(err)
	s.sink.Emit(events.Error(code, "failed to start server: %s", msg))
	s.sink.SetActive(false)
	return err
}

// acceptLoop accepts connections until the listener is closed.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}, handlers *sync.WaitGroup) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Every(acceptRetryInterval), 1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.Running() {
				// Stop closed the listener; this is the normal exit.
				return
			}
			s.sink.Emit(events.Warning(apperrors.CodeTransportAccept, "accept failed: %v", err))
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop shuts the server down:
//  1. the state flips to Stopping, so the accept loop and every handler
//     treat subsequent I/O errors as expected
//  2. under the registry lock every channel is closed and the set cleared
//  3. the listener is closed, which unblocks Accept and ends the loop
//  4. completion is reported
//
// Handler goroutines notice their closed sockets and clean up on their
// own; Stop only waits for them when Options.DrainTimeout is positive.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return apperrors.New(apperrors.CodeServerNotRunning,
			fmt.Sprintf("server cannot stop while %s", state))
	}
	s.state = StateStopping
	closed := s.closeAndClearAllLocked()
	ln := s.listener
	cancel := s.cancel
	acceptDone := s.acceptDone
	handlers := s.handlers
	s.mu.Unlock()

	s.sink.Emit(events.Info("stopping server (%d clients)...", closed))

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("server: closing listener: %v", err)
	}
	<-acceptDone

	if s.opts.DrainTimeout > 0 && !drainHandlers(handlers, s.opts.DrainTimeout) {
		s.sink.Emit(events.Warning(apperrors.CodeShutdownRace,
			"client handlers still running after %s", s.opts.DrainTimeout))
	}

	s.mu.Lock()
	s.state = StateStopped
	s.listener = nil
	s.cancel = nil
	s.handlers = nil
	s.mu.Unlock()

	s.sink.Emit(events.Info("server stopped"))
	s.sink.SetActive(false)
	s.audit(AuditEntry{Event: AuditServerStopped, PeerAddr: ln.Addr().String()})
	return nil
}

// drainHandlers waits for handler goroutines, up to timeout.
func drainHandlers(handlers *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
