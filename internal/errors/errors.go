// Package errors provides standardized error codes for the broadcaster.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The failure class (credential, connection, transport, shutdown,
//     server, session, config, storage)
//   - error: The specific error type within that domain
//
// The domain of a code is the error's kind. Operator-facing shells use the
// kind to decide how to present a failure; the code and message are stable.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. A kind is the domain prefix of a code.
const (
	KindCredential = "credential" // bad password, unreadable or malformed store
	KindConnection = "connection" // handshake failure, refused, unreachable
	KindTransport  = "transport"  // mid-session socket failure
	KindShutdown   = "shutdown"   // I/O error caused by our own shutdown
	KindServer     = "server"
	KindSession    = "session"
	KindConfig     = "config"
	KindStorage    = "storage"
	KindUnknown    = "error"
)

// Error codes by domain.
const (
	// Credential domain - key/trust material could not be unlocked
	CodeCredentialInvalid     = "credential.invalid"     // Wrong password or unusable secret
	CodeCredentialUnreadable  = "credential.unreadable"  // Store file missing or unreadable
	CodeCredentialMalformed   = "credential.malformed"   // Store is not a supported format
	CodeCredentialNoMaterial  = "credential.no_material" // Store holds no usable key/certificates
	CodeCredentialUnsupported = "credential.unsupported" // Store holds an unsupported key type
	CodeCredentialDestroyed   = "credential.destroyed"   // Credential was already scrubbed

	// Connection domain - establishing a session failed
	CodeConnectionHandshakeFailed = "connection.handshake_failed" // TLS negotiation or trust validation failed
	CodeConnectionRefused         = "connection.refused"          // Peer refused the connection
	CodeConnectionUnreachable     = "connection.unreachable"      // Host could not be reached or resolved
	CodeConnectionTimeout         = "connection.timeout"          // Dial or handshake timed out

	// Transport domain - an established session failed
	CodeTransportReadFailed  = "transport.read_failed"  // Read from a live connection failed
	CodeTransportWriteFailed = "transport.write_failed" // Write to a live connection failed
	CodeTransportLost        = "transport.lost"         // Peer went away without a clean close
	CodeTransportAccept      = "transport.accept"       // Accept on the listening socket failed

	// Shutdown domain - errors caused by our own close during shutdown
	CodeShutdownRace = "shutdown.race" // I/O interrupted by a socket closed during shutdown

	// Server domain - lifecycle of the broadcast server
	CodeServerAlreadyRunning = "server.already_running" // Start while not stopped
	CodeServerNotRunning     = "server.not_running"     // Stop or broadcast while not running
	CodeServerListenFailed   = "server.listen_failed"   // Could not bind the listening socket

	// Session domain - lifecycle of the client peer session
	CodeSessionAlreadyConnected = "session.already_connected" // Connect while not disconnected
	CodeSessionNotConnected     = "session.not_connected"     // Disconnect while not connected

	// Config domain - configuration file problems
	CodeConfigNotFound = "config.not_found" // Explicit config path does not exist
	CodeConfigInvalid  = "config.invalid"   // Config parsed but has invalid values

	// Storage domain - connection audit database errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "credential.invalid")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Kind returns the domain part of the error's code.
func (e *CodedError) Kind() string {
	return kindOf(e.Code)
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Kind returns the failure class of err, or "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	return kindOf(GetCode(err))
}

// IsCredential reports whether err means the key material could not be unlocked.
func IsCredential(err error) bool { return Kind(err) == KindCredential }

// IsConnection reports whether err happened while establishing a session.
func IsConnection(err error) bool { return Kind(err) == KindConnection }

// IsTransport reports whether err broke an established session.
func IsTransport(err error) bool { return Kind(err) == KindTransport }

// IsShutdownRace reports whether err was caused by our own shutdown.
func IsShutdownRace(err error) bool { return Kind(err) == KindShutdown }

func kindOf(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return KindUnknown
}

// Common error constructors for frequently used error types.

// CredentialInvalid creates a "credential.invalid" error.
func CredentialInvalid(path string, cause error) *CodedError {
	return Wrap(CodeCredentialInvalid, fmt.Sprintf("cannot unlock %s: wrong password or corrupt store", path), cause)
}

// CredentialUnreadable creates a "credential.unreadable" error.
func CredentialUnreadable(path string, cause error) *CodedError {
	return Wrap(CodeCredentialUnreadable, fmt.Sprintf("cannot read key store %s", path), cause)
}

// CredentialMalformed creates a "credential.malformed" error.
func CredentialMalformed(path string, cause error) *CodedError {
	return Wrap(CodeCredentialMalformed, fmt.Sprintf("key store %s is not a supported PKCS#12 store", path), cause)
}

// CredentialNoMaterial creates a "credential.no_material" error.
func CredentialNoMaterial(path, what string) *CodedError {
	return New(CodeCredentialNoMaterial, fmt.Sprintf("key store %s contains no %s", path, what))
}

// HandshakeFailed creates a "connection.handshake_failed" error.
func HandshakeFailed(addr string, cause error) *CodedError {
	return Wrap(CodeConnectionHandshakeFailed, fmt.Sprintf("TLS handshake with %s failed", addr), cause)
}

// ConnectionRefused creates a "connection.refused" error.
func ConnectionRefused(addr string, cause error) *CodedError {
	return Wrap(CodeConnectionRefused, fmt.Sprintf("connection to %s refused", addr), cause)
}

// ConnectionUnreachable creates a "connection.unreachable" error.
func ConnectionUnreachable(addr string, cause error) *CodedError {
	return Wrap(CodeConnectionUnreachable, fmt.Sprintf("%s is unreachable", addr), cause)
}

// ConnectionTimeout creates a "connection.timeout" error.
func ConnectionTimeout(addr string, cause error) *CodedError {
	return Wrap(CodeConnectionTimeout, fmt.Sprintf("connecting to %s timed out", addr), cause)
}

// TransportLost creates a "transport.lost" error.
func TransportLost(peer string, cause error) *CodedError {
	return Wrap(CodeTransportLost, fmt.Sprintf("connection to %s lost", peer), cause)
}

// ShutdownRace creates a "shutdown.race" error.
func ShutdownRace(peer string, cause error) *CodedError {
	return Wrap(CodeShutdownRace, fmt.Sprintf("I/O with %s interrupted by shutdown", peer), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
