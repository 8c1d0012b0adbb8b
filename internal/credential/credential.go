// Package credential holds operator-supplied secrets (key store passwords)
// in memguard locked memory for the short time they are needed.
//
// A Credential takes ownership of the caller's byte slice: the slice is
// wiped as soon as the Credential is created, and the locked copy is wiped
// by Destroy. Consumers call Destroy on every path, success or failure,
// once the secret has been used.
package credential

import (
	"sync"
	"unsafe"

	"github.com/awnumar/memguard"

	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// Credential is a transient secret. Destroy may be called from any
// goroutine and more than once.
type Credential struct {
	mu        sync.Mutex
	buf       *memguard.LockedBuffer // nil for an empty secret
	destroyed bool
}

// FromBytes moves secret into locked memory and wipes secret.
// After FromBytes returns, every byte of secret is zero.
func FromBytes(secret []byte) *Credential {
	if len(secret) == 0 {
		// An empty password is still a valid PKCS#12 password.
		return &Credential{}
	}
	return &Credential{buf: memguard.NewBufferFromBytes(secret)}
}

// Len returns the secret length, or 0 once destroyed.
func (c *Credential) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.buf == nil {
		return 0
	}
	return c.buf.Size()
}

// Alive reports whether the credential still holds its secret.
func (c *Credential) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed
}

// WithPassword calls fn with a string view of the secret. The view aliases
// locked memory and must not be retained after fn returns.
//
// Libraries that copy the password internally (the PKCS#12 decoder derives
// a BMP-encoded copy) leave a residual copy on the Go heap that cannot be
// scrubbed from here.
func (c *Credential) WithPassword(fn func(password string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return apperrors.New(apperrors.CodeCredentialDestroyed, "credential was already used and scrubbed")
	}
	if c.buf == nil {
		return fn("")
	}
	b := c.buf.Bytes()
	return fn(unsafe.String(&b[0], len(b)))
}

// Destroy wipes the secret. Safe to call repeatedly.
func (c *Credential) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if c.buf != nil {
		c.buf.Destroy()
		c.buf = nil
	}
	c.destroyed = true
}

// Scrub zeroes b in place. Used for secrets that never became a
// Credential, e.g. when a prompt is cancelled.
func Scrub(b []byte) {
	memguard.WipeBytes(b)
}
