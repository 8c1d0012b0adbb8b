package main

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
)

// stdin is shared by the password prompt and the serve loop. stdinSrc is
// the reader underneath it; a piped password is read from stdinSrc
// directly so the line never lands in stdin's buffer, which cannot be
// scrubbed.
var (
	stdinSrc io.Reader = os.Stdin
	stdin              = bufio.NewReader(stdinSrc)
)

// readPassword is replaced in tests.
var readPassword = promptPassword

// promptPassword prints prompt to w and reads a password without echo
// when stdin is a terminal, or a single line otherwise. The caller owns
// the returned slice and must wipe it.
func promptPassword(prompt string, w io.Writer) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(w, prompt)

	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return pw, nil
	}

	if stdin.Buffered() == 0 {
		return readSecretLine(stdinSrc)
	}

	// Input already sits in stdin's buffer; that copy outlives the scrub.
	line, err := stdin.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		credential.Scrub(line)
		return nil, fmt.Errorf("read password: %w", err)
	}
	if len(line) == 0 && errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read password: no input")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// readSecretLine reads one line from r a byte at a time, so nothing past
// the newline is consumed and no copy of the line is left in a buffer it
// does not own. Outgrown backing arrays are scrubbed.
func readSecretLine(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			if len(buf) == cap(buf) {
				grown := make([]byte, len(buf), 2*cap(buf))
				copy(grown, buf)
				credential.Scrub(buf)
				buf = grown
			}
			buf = append(buf, b[0])
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, fmt.Errorf("read password: no input")
			}
			break
		}
		if err != nil {
			credential.Scrub(buf)
			return nil, fmt.Errorf("read password: %w", err)
		}
	}
	b[0] = 0
	return bytes.TrimRight(buf, "\r"), nil
}

// readCredential prompts once and moves the answer into locked memory.
func readCredential(prompt string, w io.Writer) (*credential.Credential, error) {
	pw, err := readPassword(prompt, w)
	if err != nil {
		return nil, err
	}
	return credential.FromBytes(pw), nil
}

// readNewCredential prompts twice and requires both answers to match.
// Empty passwords are refused for new stores.
func readNewCredential(w io.Writer) (*credential.Credential, error) {
	pw, err := readPassword("New key store password: ", w)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, fmt.Errorf("password must not be empty")
	}
	confirm, err := readPassword("Confirm password: ", w)
	if err != nil {
		credential.Scrub(pw)
		return nil, err
	}
	match := subtle.ConstantTimeCompare(pw, confirm) == 1
	credential.Scrub(confirm)
	if !match {
		credential.Scrub(pw)
		return nil, fmt.Errorf("passwords do not match")
	}
	return credential.FromBytes(pw), nil
}
