package main

import (
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// displayFingerprintQR prints a certificate fingerprint as a terminal QR
// code so an operator can compare it on another device, followed by a
// plain-text fallback.
func displayFingerprintQR(w io.Writer, fingerprint, addr string) {
	qr, err := qrcode.New(fingerprint, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Certificate fingerprint (SHA-256): %s\n", fingerprint)
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "  Certificate fingerprint")
	fmt.Fprintln(w, "===========================================")
	// ToSmallString(false) produces compact output without a border.
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	if addr != "" {
		fmt.Fprintf(w, "  Address:     %s\n", addr)
	}
	fmt.Fprintf(w, "  Fingerprint: %s\n", fingerprint)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w)
}
