package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// Role selects which half of the TLS material a Context carries.
type Role int

const (
	// RoleServer carries identity (key + certificate chain).
	RoleServer Role = iota
	// RoleClient carries trust anchors only; clients present no identity.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Context is a ready-to-use TLS configuration for one role. It is the
// socket factory: servers call Listen, clients call Dial.
type Context struct {
	role        Role
	config      *tls.Config
	fingerprint string
}

// NewContext loads the store at path with cred and builds a Context for
// role. The credential is destroyed before NewContext returns, whatever
// the outcome. All failures are credential errors and happen before any
// socket is opened.
func NewContext(role Role, path string, cred *credential.Credential) (*Context, error) {
	defer cred.Destroy()

	switch role {
	case RoleServer:
		cert, err := LoadIdentity(path, cred)
		if err != nil {
			return nil, err
		}
		return &Context{
			role:        role,
			config:      serverConfig(cert),
			fingerprint: ComputeFingerprint(cert.Leaf),
		}, nil

	case RoleClient:
		pool, certs, err := LoadTrustPool(path, cred)
		if err != nil {
			return nil, err
		}
		return &Context{
			role:        role,
			config:      clientConfig(pool),
			fingerprint: ComputeFingerprint(certs[0]),
		}, nil

	default:
		return nil, apperrors.Internal(fmt.Sprintf("unknown TLS role %d", int(role)), nil)
	}
}

// serverConfig uses the same version floor and forward-secret suites the
// host has always served with.
func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func clientConfig(pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
}

// Role returns the role this context was built for.
func (c *Context) Role() Role { return c.role }

// Fingerprint returns the SHA-256 fingerprint of the server certificate
// (RoleServer) or of the first trusted certificate (RoleClient).
func (c *Context) Fingerprint() string { return c.fingerprint }

// Config returns a copy of the underlying TLS configuration.
func (c *Context) Config() *tls.Config { return c.config.Clone() }

// Listen binds addr and wraps the listener so that accepted connections
// are TLS server connections. The handshake runs on first I/O or an
// explicit Handshake call.
func (c *Context) Listen(addr string) (net.Listener, error) {
	if c.role != RoleServer {
		return nil, apperrors.Internal("Listen requires a server context", nil)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeServerListenFailed, fmt.Sprintf("failed to listen on %s", addr), err)
	}
	return tls.NewListener(ln, c.config), nil
}

// Dial connects to addr and completes the TLS handshake. timeout bounds
// dial plus handshake; zero means only ctx bounds it. Failures are
// connection errors.
func (c *Context) Dial(ctx context.Context, addr string, timeout time.Duration) (*tls.Conn, error) {
	if c.role != RoleClient {
		return nil, apperrors.Internal("Dial requires a client context", nil)
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    c.config,
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	return conn.(*tls.Conn), nil
}

// classifyDialError maps dial and handshake failures onto connection codes.
func classifyDialError(addr string, err error) error {
	var (
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		dnsErr     *net.DNSError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr), errors.As(err, &alertErr):
		return apperrors.HandshakeFailed(addr, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return apperrors.ConnectionRefused(addr, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ConnectionTimeout(addr, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.ConnectionTimeout(addr, err)
	case errors.As(err, &dnsErr), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return apperrors.ConnectionUnreachable(addr, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apperrors.ConnectionUnreachable(addr, err)
	}
	return apperrors.HandshakeFailed(addr, err)
}
