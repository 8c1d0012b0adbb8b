package peer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/server"
	tlsx "github.com/TrongDang2608/Secure-Broadcaster/internal/tls"
)

const testPassword = "changeit"

func cred(s string) *credential.Credential {
	return credential.FromBytes([]byte(s))
}

func newKeystore(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if _, err := tlsx.GenerateKeystore(tlsx.KeystoreConfig{Path: path}, cred(testPassword)); err != nil {
		t.Fatalf("GenerateKeystore failed: %v", err)
	}
	return path
}

// startServer runs a broadcast server on an ephemeral loopback port and
// returns it with the key store path peers should trust.
func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	path := newKeystore(t, "server.p12")
	s := server.New(server.Options{
		BindHost:     "127.0.0.1",
		KeystorePath: path,
		DrainTimeout: 2 * time.Second,
	}, nil)
	if err := s.Start(cred(testPassword)); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(func() {
		if s.Running() {
			s.Stop()
		}
	})
	return s, path
}

func waitClients(t *testing.T, s *server.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", s.ClientCount(), n)
}

func connect(t *testing.T, srv *server.Server, trust string) (*Session, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder()
	sess := New(Options{TrustStorePath: trust}, rec)
	if err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), cred(testPassword)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		if sess.Connected() {
			sess.Disconnect()
		}
	})
	return sess, rec
}

func isLost(e events.Event) bool {
	return e.Kind == events.KindError && e.Code == apperrors.CodeTransportLost
}

// TestReceiveBroadcast: one peer with the matching trust material receives
// exactly the broadcast line.
func TestReceiveBroadcast(t *testing.T) {
	srv, trust := startServer(t)
	sess, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)

	if sess.State() != StateConnected {
		t.Fatalf("state = %v, want connected", sess.State())
	}
	srv.Broadcast("hello")

	if !rec.WaitFor(events.IsMessage("hello"), 2*time.Second) {
		t.Fatalf("peer never surfaced the line; events: %v", rec.Events())
	}
	if msgs := rec.Messages(); len(msgs) != 1 || msgs[0] != "hello" {
		t.Errorf("messages = %v, want [hello]", msgs)
	}
}

func TestReceiveManyInOrder(t *testing.T) {
	srv, trust := startServer(t)
	_, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)

	want := []string{"one", "two", "three", "four"}
	for _, l := range want {
		srv.Broadcast(l)
	}
	if !rec.WaitFor(events.IsMessage("four"), 2*time.Second) {
		t.Fatalf("missing last line; events: %v", rec.Events())
	}
	got := rec.Messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("messages[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestConnectUntrustedServer uses trust material from a different key
// store, so certificate validation fails during the handshake.
func TestConnectUntrustedServer(t *testing.T) {
	srv, _ := startServer(t)
	other := newKeystore(t, "other.p12")

	rec := events.NewRecorder()
	sess := New(Options{TrustStorePath: other}, rec)
	c := cred(testPassword)
	err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), c)

	if !apperrors.IsConnection(err) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	assertFailedConnect(t, sess, rec, c, apperrors.CodeConnectionHandshakeFailed)
}

func TestConnectWrongTrustPassword(t *testing.T) {
	srv, trust := startServer(t)

	rec := events.NewRecorder()
	sess := New(Options{TrustStorePath: trust}, rec)
	c := cred("wrong")
	err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), c)

	if !apperrors.IsCredential(err) {
		t.Fatalf("expected a credential error, got %v", err)
	}
	assertFailedConnect(t, sess, rec, c, apperrors.CodeCredentialInvalid)
	if srv.ClientCount() != 0 {
		t.Error("no socket should reach the server after a credential failure")
	}
}

func TestConnectRefused(t *testing.T) {
	srv, trust := startServer(t)
	port := srv.Port()
	srv.Stop()

	rec := events.NewRecorder()
	sess := New(Options{TrustStorePath: trust, DialTimeout: time.Second}, rec)
	c := cred(testPassword)
	err := sess.Connect(context.Background(), "127.0.0.1", port, c)
	if !apperrors.IsConnection(err) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	assertFailedConnect(t, sess, rec, c, apperrors.CodeConnectionRefused)
}

func assertFailedConnect(t *testing.T, sess *Session, rec *events.Recorder, c *credential.Credential, code string) {
	t.Helper()
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
	if sess.Done() != nil {
		t.Error("no receive loop should be running after a failed connect")
	}
	if c.Alive() {
		t.Error("credential should be destroyed after a failed connect")
	}
	if rec.Count(events.HasCode(code)) != 1 {
		t.Errorf("expected one %s event, got %v", code, rec.Events())
	}
	if active := rec.ActiveSignals(); len(active) != 1 || active[0] {
		t.Errorf("active signals = %v, want [false]", active)
	}
}

func TestConnectDestroysCredential(t *testing.T) {
	srv, trust := startServer(t)
	sess := New(Options{TrustStorePath: trust}, nil)

	c := cred(testPassword)
	if err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), c); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Disconnect()
	if c.Alive() {
		t.Error("credential should be destroyed after a successful connect")
	}

	again := cred(testPassword)
	err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), again)
	if !apperrors.IsCode(err, apperrors.CodeSessionAlreadyConnected) {
		t.Errorf("expected %s, got %v", apperrors.CodeSessionAlreadyConnected, err)
	}
	if again.Alive() {
		t.Error("rejected credential should still be destroyed")
	}
}

// TestServerStopSurfacesDisconnect: stopping the server closes the peer's
// socket from the server side and the peer reports it on its own.
func TestServerStopSurfacesDisconnect(t *testing.T) {
	srv, trust := startServer(t)
	sess, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)
	done := sess.Done()

	if err := srv.Stop(); err != nil {
		t.Fatalf("server Stop failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not exit after server stop")
	}
	if !rec.WaitFor(isLost, 2*time.Second) {
		t.Fatalf("expected a transport.lost event, got %v", rec.Events())
	}
	if n := rec.Count(isLost); n != 1 {
		t.Errorf("expected exactly one disconnect report, got %d", n)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
	if err := sess.Disconnect(); !apperrors.IsCode(err, apperrors.CodeSessionNotConnected) {
		t.Errorf("Disconnect after server close: expected %s, got %v", apperrors.CodeSessionNotConnected, err)
	}
}

// TestDoneAfterServerClose asks for Done only once the server has closed
// the stream, the way a caller that was slow to get there would.
func TestDoneAfterServerClose(t *testing.T) {
	srv, trust := startServer(t)
	sess, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)

	if err := srv.Stop(); err != nil {
		t.Fatalf("server Stop failed: %v", err)
	}
	if !rec.WaitFor(isLost, 2*time.Second) {
		t.Fatalf("expected a transport.lost event, got %v", rec.Events())
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", sess.State())
	}

	done := sess.Done()
	if done == nil {
		t.Fatal("Done() is nil after a server-side close")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Done() did not fire after a server-side close")
	}
}

func TestDoneReplacedOnReconnect(t *testing.T) {
	srv, trust := startServer(t)
	sess, _ := connect(t, srv, trust)
	waitClients(t, srv, 1)

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	first := sess.Done()
	select {
	case <-first:
	default:
		t.Fatal("Done() should stay closed after Disconnect")
	}

	if err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), cred(testPassword)); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	second := sess.Done()
	select {
	case <-second:
		t.Fatal("Done() of a live connection is already closed")
	default:
	}
}

// TestDisconnectIsSilent: a caller-initiated disconnect is not reported as
// a failure and nothing is surfaced afterwards.
func TestDisconnectIsSilent(t *testing.T) {
	srv, trust := startServer(t)
	sess, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)
	done := sess.Done()

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("receive loop should have exited within the disconnect timeout")
	}
	waitClients(t, srv, 0)

	before := len(rec.Events())
	srv.Broadcast("too late")
	time.Sleep(50 * time.Millisecond)

	if rec.Count(isLost) != 0 {
		t.Errorf("caller disconnect was reported as a loss: %v", rec.Events())
	}
	if len(rec.Events()) != before {
		t.Errorf("events surfaced after disconnect: %v", rec.Events()[before:])
	}
	active := rec.ActiveSignals()
	if len(active) != 2 || !active[0] || active[1] {
		t.Errorf("active signals = %v, want [true false]", active)
	}
}

// TestDisconnectRacesServerClose runs a caller disconnect against a
// server-side close many times. Exactly one of the two paths may report.
func TestDisconnectRacesServerClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		srv, trust := startServer(t)
		sess, rec := connect(t, srv, trust)
		waitClients(t, srv, 1)
		done := sess.Done()

		var (
			wg      sync.WaitGroup
			discErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			srv.Stop()
		}()
		go func() {
			defer wg.Done()
			discErr = sess.Disconnect()
		}()
		wg.Wait()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: receive loop still running", i)
		}

		lost := rec.Count(isLost)
		disconnected := rec.Count(func(e events.Event) bool { return e.Text == "disconnected" })
		if lost+disconnected != 1 {
			t.Fatalf("iteration %d: lost=%d disconnected=%d, want exactly one report", i, lost, disconnected)
		}
		if (discErr == nil) != (disconnected == 1) {
			t.Fatalf("iteration %d: Disconnect returned %v but disconnected=%d", i, discErr, disconnected)
		}
		if sess.State() != StateDisconnected {
			t.Fatalf("iteration %d: state = %v", i, sess.State())
		}
	}
}

func TestReconnect(t *testing.T) {
	srv, trust := startServer(t)
	sess, rec := connect(t, srv, trust)
	waitClients(t, srv, 1)

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := sess.Connect(context.Background(), "127.0.0.1", srv.Port(), cred(testPassword)); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitClients(t, srv, 1)
	srv.Broadcast("back")
	if !rec.WaitFor(events.IsMessage("back"), 2*time.Second) {
		t.Fatalf("reconnected peer missed the line; events: %v", rec.Events())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected:  "disconnected",
		StateConnecting:    "connecting",
		StateConnected:     "connected",
		StateDisconnecting: "disconnecting",
		State(7):           "State(7)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
