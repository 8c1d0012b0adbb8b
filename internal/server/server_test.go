package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
	"github.com/TrongDang2608/Secure-Broadcaster/internal/storage"
	tlsx "github.com/TrongDang2608/Secure-Broadcaster/internal/tls"
)

const testPassword = "changeit"

func cred(s string) *credential.Credential {
	return credential.FromBytes([]byte(s))
}

// newKeystore writes a fresh self-signed key store into a temp dir.
func newKeystore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.p12")
	if _, err := tlsx.GenerateKeystore(tlsx.KeystoreConfig{Path: path}, cred(testPassword)); err != nil {
		t.Fatalf("GenerateKeystore failed: %v", err)
	}
	return path
}

// startServer starts a server on an ephemeral loopback port.
func startServer(t *testing.T, opts Options) (*Server, *events.Recorder, string) {
	t.Helper()
	if opts.KeystorePath == "" {
		opts.KeystorePath = newKeystore(t)
	}
	opts.BindHost = "127.0.0.1"
	rec := events.NewRecorder()
	s := New(opts, rec)
	if err := s.Start(cred(testPassword)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if s.Running() {
			s.Stop()
		}
	})
	return s, rec, opts.KeystorePath
}

type testClient struct {
	conn *tls.Conn
	r    *bufio.Reader
}

// dialClient connects a raw TLS peer that trusts the server's key store.
func dialClient(t *testing.T, s *Server, keystore string) *testClient {
	t.Helper()
	ctx, err := tlsx.NewContext(tlsx.RoleClient, keystore, cred(testPassword))
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port()))
	conn, err := ctx.Dial(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

// waitClients waits until the registry holds n channels.
func waitClients(t *testing.T, s *Server, n int) {
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

func TestStartStop(t *testing.T) {
	s, rec, _ := startServer(t, Options{})

	if s.State() != StateRunning {
		t.Fatalf("state = %v, want running", s.State())
	}
	if s.Port() == 0 {
		t.Error("expected an ephemeral port to be bound")
	}
	if s.Fingerprint() == "" {
		t.Error("expected a certificate fingerprint")
	}
	wantListen := fmt.Sprintf("TLS server listening on port %d", s.Port())
	if rec.Count(func(e events.Event) bool { return e.Text == wantListen }) != 1 {
		t.Errorf("missing %q event", wantListen)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	if s.Addr() != nil {
		t.Error("Addr should be nil once stopped")
	}
	active := rec.ActiveSignals()
	if len(active) != 2 || !active[0] || active[1] {
		t.Errorf("active signals = %v, want [true false]", active)
	}
}

func TestStartDestroysCredential(t *testing.T) {
	path := newKeystore(t)

	for _, pw := range []string{testPassword, "wrong"} {
		c := cred(pw)
		s := New(Options{BindHost: "127.0.0.1", KeystorePath: path}, nil)
		s.Start(c)
		if c.Alive() {
			t.Errorf("credential %q still alive after Start", pw)
		}
		if s.Running() {
			s.Stop()
		}
	}
}

func TestStartWrongPassword(t *testing.T) {
	path := newKeystore(t)
	rec := events.NewRecorder()
	s := New(Options{BindHost: "127.0.0.1", KeystorePath: path}, rec)

	err := s.Start(cred("wrong"))
	if !apperrors.IsCredential(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	if s.Addr() != nil {
		t.Error("no listener should be bound after a credential failure")
	}
	if rec.Count(events.HasCode(apperrors.CodeCredentialInvalid)) != 1 {
		t.Errorf("expected one %s event, got %v", apperrors.CodeCredentialInvalid, rec.Events())
	}
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	s := New(Options{
		BindHost:     "127.0.0.1",
		Port:         ln.Addr().(*net.TCPAddr).Port,
		KeystorePath: newKeystore(t),
	}, nil)
	err = s.Start(cred(testPassword))
	if !apperrors.IsCode(err, apperrors.CodeServerListenFailed) {
		t.Fatalf("expected %s, got %v", apperrors.CodeServerListenFailed, err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
}

func TestStartWhileRunning(t *testing.T) {
	s, _, _ := startServer(t, Options{})

	c := cred(testPassword)
	err := s.Start(c)
	if !apperrors.IsCode(err, apperrors.CodeServerAlreadyRunning) {
		t.Fatalf("expected %s, got %v", apperrors.CodeServerAlreadyRunning, err)
	}
	if c.Alive() {
		t.Error("rejected credential should still be destroyed")
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	s := New(Options{}, nil)
	if err := s.Stop(); !apperrors.IsCode(err, apperrors.CodeServerNotRunning) {
		t.Fatalf("expected %s, got %v", apperrors.CodeServerNotRunning, err)
	}
}

func TestRestart(t *testing.T) {
	s, _, path := startServer(t, Options{})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Start(cred(testPassword)); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	c := dialClient(t, s, path)
	waitClients(t, s, 1)
	s.Broadcast("again")
	if got := c.readLine(t); got != "again" {
		t.Errorf("got %q, want %q", got, "again")
	}
}

// TestBroadcastReachesEveryPeerInOrder checks fan-out completeness: each
// connected peer gets exactly one copy of each line, in issue order.
func TestBroadcastReachesEveryPeerInOrder(t *testing.T) {
	s, rec, path := startServer(t, Options{})

	clients := make([]*testClient, 3)
	for i := range clients {
		clients[i] = dialClient(t, s, path)
	}
	waitClients(t, s, len(clients))

	lines := []string{"hello", "second", "third"}
	for _, l := range lines {
		if n := s.Broadcast(l); n != len(clients) {
			t.Errorf("Broadcast(%q) delivered to %d, want %d", l, n, len(clients))
		}
	}
	for i, c := range clients {
		for _, want := range lines {
			if got := c.readLine(t); got != want {
				t.Errorf("client %d: got %q, want %q", i, got, want)
			}
		}
	}
	if rec.Count(func(e events.Event) bool { return e.Text == "BROADCAST: hello" }) != 1 {
		t.Error("expected a BROADCAST event for the operator line")
	}
}

func TestBroadcastNoOps(t *testing.T) {
	s := New(Options{}, nil)
	if n := s.Broadcast("nobody home"); n != 0 {
		t.Errorf("Broadcast on a stopped server delivered to %d", n)
	}

	s, rec, path := startServer(t, Options{})
	dialClient(t, s, path)
	waitClients(t, s, 1)

	before := len(rec.Events())
	if n := s.Broadcast(""); n != 0 {
		t.Errorf("empty Broadcast delivered to %d", n)
	}
	if len(rec.Events()) != before {
		t.Error("empty Broadcast should not emit events")
	}
}

func TestBroadcastFlattensLineBreaks(t *testing.T) {
	s, _, path := startServer(t, Options{})
	c := dialClient(t, s, path)
	waitClients(t, s, 1)

	s.Broadcast("one\ntwo\r\nthree")
	if got := c.readLine(t); got != "one two three" {
		t.Errorf("got %q, want %q", got, "one two three")
	}
}

// TestAbruptPeerLossIsolated kills one of two peers without a clean TLS
// close and checks the survivor still receives the next broadcast.
func TestAbruptPeerLossIsolated(t *testing.T) {
	s, rec, path := startServer(t, Options{})
	alive := dialClient(t, s, path)
	dead := dialClient(t, s, path)
	waitClients(t, s, 2)

	// Close the raw TCP socket, skipping the TLS close_notify.
	if tcp, ok := dead.conn.NetConn().(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	dead.conn.NetConn().Close()

	s.Broadcast("ping")
	if got := alive.readLine(t); got != "ping" {
		t.Errorf("survivor got %q, want %q", got, "ping")
	}
	waitClients(t, s, 1)

	if !s.Running() {
		t.Fatal("accept loop should survive a peer loss")
	}
	// The server still accepts new peers.
	late := dialClient(t, s, path)
	waitClients(t, s, 2)
	s.Broadcast("after")
	if got := late.readLine(t); got != "after" {
		t.Errorf("late peer got %q, want %q", got, "after")
	}
	if rec.Count(func(e events.Event) bool { return e.Kind == events.KindError }) != 0 {
		t.Errorf("peer loss should not produce error events: %v", rec.Events())
	}
}

func TestPeerCloseEmitsDisconnect(t *testing.T) {
	s, rec, path := startServer(t, Options{})
	c := dialClient(t, s, path)
	waitClients(t, s, 1)

	local := c.conn.LocalAddr().String()
	c.conn.Close()
	waitClients(t, s, 0)

	want := fmt.Sprintf("client %s disconnected", local)
	if !rec.WaitFor(func(e events.Event) bool { return e.Text == want }, 2*time.Second) {
		t.Errorf("missing %q event; got %v", want, rec.Events())
	}
}

// TestStopClosesPeers checks that Stop closes every peer socket from the
// server side and that the resulting read errors are not reported.
func TestStopClosesPeers(t *testing.T) {
	s, rec, path := startServer(t, Options{DrainTimeout: 2 * time.Second})
	clients := []*testClient{dialClient(t, s, path), dialClient(t, s, path)}
	waitClients(t, s, 2)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for i, c := range clients {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.r.ReadString('\n'); err == nil {
			t.Errorf("client %d: expected the socket to be closed", i)
		} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Errorf("client %d: read timed out instead of seeing a close", i)
		}
	}
	if s.ClientCount() != 0 {
		t.Errorf("registry holds %d channels after Stop", s.ClientCount())
	}
	if n := rec.Count(func(e events.Event) bool { return e.Kind == events.KindWarning }); n != 0 {
		t.Errorf("shutdown should not report warnings, got %v", rec.Events())
	}
	if n := s.Broadcast("late"); n != 0 {
		t.Errorf("Broadcast after Stop delivered to %d", n)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(clients[0].conn.RemoteAddr().(*net.TCPAddr).Port))
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("listener should be closed after Stop")
	}
}

func TestHandshakeFailureReported(t *testing.T) {
	s, rec, _ := startServer(t, Options{HandshakeTimeout: time.Second})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	io.WriteString(conn, "this is not a TLS client hello\n")

	if !rec.WaitFor(events.HasCode(apperrors.CodeConnectionHandshakeFailed), 2*time.Second) {
		t.Fatalf("expected a handshake warning, got %v", rec.Events())
	}
	if s.ClientCount() != 0 {
		t.Error("a failed handshake must not register a channel")
	}
}

// pipeChannel returns a channel backed by an in-memory pipe and the peer
// end of that pipe.
func pipeChannel(writeTimeout time.Duration) (*Channel, net.Conn) {
	local, remote := net.Pipe()
	return newChannel(local, writeTimeout), remote
}

func runningServer() *Server {
	s := New(Options{WriteTimeout: 50 * time.Millisecond}, nil)
	s.state = StateRunning
	return s
}

func TestRemoveChannelIdempotent(t *testing.T) {
	s := runningServer()
	ch, remote := pipeChannel(time.Second)
	defer remote.Close()

	if !s.addChannel(ch) {
		t.Fatal("addChannel refused while running")
	}
	if !s.removeChannel(ch) {
		t.Error("first remove should report the channel present")
	}
	if s.removeChannel(ch) {
		t.Error("second remove should be a no-op")
	}
	if s.ClientCount() != 0 {
		t.Errorf("count = %d, want 0", s.ClientCount())
	}

	// Removal after shutdown already cleared the set is also a no-op.
	s.addChannel(ch)
	s.mu.Lock()
	if n := s.closeAndClearAllLocked(); n != 1 {
		t.Errorf("cleared %d channels, want 1", n)
	}
	s.mu.Unlock()
	if s.removeChannel(ch) {
		t.Error("remove after clear should be a no-op")
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestRegistryRefusesAddWhenNotRunning(t *testing.T) {
	s := New(Options{}, nil)
	ch, remote := pipeChannel(time.Second)
	defer remote.Close()
	defer ch.Close()

	for _, st := range []State{StateStopped, StateStarting, StateStopping} {
		s.state = st
		if s.addChannel(ch) {
			t.Errorf("addChannel accepted a channel while %s", st)
		}
	}
}

// TestBroadcastAllDropsStuckPeer checks a peer that never reads is dropped
// after the write deadline while the other peer still receives the line.
func TestBroadcastAllDropsStuckPeer(t *testing.T) {
	s := runningServer()

	stuck, stuckRemote := pipeChannel(s.opts.WriteTimeout)
	defer stuckRemote.Close()
	good, goodRemote := pipeChannel(s.opts.WriteTimeout)
	defer goodRemote.Close()

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(goodRemote).ReadString('\n')
		got <- line
	}()

	s.addChannel(stuck)
	s.addChannel(good)

	delivered, failed := s.broadcastAll("hi")
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if len(failed) != 1 || failed[0].ch != stuck {
		t.Fatalf("expected the stuck channel to fail, got %v", failed)
	}
	if !stuck.Closed() {
		t.Error("failed channel should be closed")
	}
	if s.ClientCount() != 1 {
		t.Errorf("count = %d, want 1", s.ClientCount())
	}
	select {
	case line := <-got:
		if line != "hi\n" {
			t.Errorf("good peer got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("good peer never received the line")
	}
}

func TestBroadcastReportsDroppedPeer(t *testing.T) {
	s := runningServer()
	rec := events.NewRecorder()
	s.sink = rec

	ch, remote := pipeChannel(s.opts.WriteTimeout)
	remote.Close()
	s.addChannel(ch)

	if n := s.Broadcast("x"); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if rec.Count(events.HasCode(apperrors.CodeTransportWriteFailed)) != 1 {
		t.Errorf("expected one write_failed warning, got %v", rec.Events())
	}
}

// TestConcurrentBroadcastAndChurn runs broadcasts while peers connect and
// leave; run with -race.
func TestConcurrentBroadcastAndChurn(t *testing.T) {
	s, _, path := startServer(t, Options{})

	ctx, err := tlsx.NewContext(tlsx.RoleClient, path, cred(testPassword))
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	addr := s.Addr().String()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := ctx.Dial(context.Background(), addr, time.Second)
				if err != nil {
					continue
				}
				go io.Copy(io.Discard, conn)
				time.Sleep(2 * time.Millisecond)
				conn.Close()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		s.Broadcast(fmt.Sprintf("line %d", i))
	}
	close(stop)
	wg.Wait()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAuditor) RecordConnection(e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAuditor) events() []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEvent, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

func TestAuditTrail(t *testing.T) {
	path := newKeystore(t)
	aud := &recordingAuditor{}
	s := New(Options{BindHost: "127.0.0.1", KeystorePath: path, DrainTimeout: 2 * time.Second}, nil)
	s.SetAuditor(aud)

	if err := s.Start(cred(testPassword)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c := dialClient(t, s, path)
	waitClients(t, s, 1)
	s.Broadcast("secret message body")
	c.readLine(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []AuditEvent{AuditServerStarted, AuditPeerConnected, AuditPeerDisconnected, AuditServerStopped}
	got := aud.events()
	if len(got) != len(want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	aud.mu.Lock()
	defer aud.mu.Unlock()
	for _, e := range aud.entries {
		if strings.Contains(e.Detail, "secret") {
			t.Errorf("audit entry leaked message content: %+v", e)
		}
		if e.At.IsZero() {
			t.Errorf("audit entry missing timestamp: %+v", e)
		}
	}
}

func TestAuditStoreAdapter(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	a := NewAuditStoreAdapter(store, 10)
	err = a.RecordConnection(AuditEntry{
		Event:    AuditPeerConnected,
		ConnID:   "c-1",
		PeerAddr: "127.0.0.1:4000",
		At:       time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordConnection failed: %v", err)
	}

	rows, err := store.ListConnectionAudit(storage.ConnectionAuditFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Event != string(AuditPeerConnected) || rows[0].ConnID != "c-1" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(9):      "State(9)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
