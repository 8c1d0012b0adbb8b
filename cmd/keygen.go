package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/config"
	tlsx "github.com/TrongDang2608/Secure-Broadcaster/internal/tls"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		out    string
		trust  string
		hosts  string
		days   int
		org    string
		force  bool
		showQR bool
	)
	fs.StringVar(&out, "out", config.DefaultKeystore, "Key store to write (key and certificate)")
	fs.StringVar(&trust, "trust", "", "Also write a certificate-only trust store for peers")
	fs.StringVar(&hosts, "hosts", "localhost,127.0.0.1", "Comma-separated host names and IPs for the certificate")
	fs.IntVar(&days, "days", 365, "Certificate validity in days")
	fs.StringVar(&org, "org", "", "Certificate organization (default: securecast)")
	fs.BoolVar(&force, "force", false, "Overwrite existing stores")
	fs.BoolVar(&showQR, "qr", false, "Show the certificate fingerprint as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: securecast keygen [options]\n\n")
		fmt.Fprintf(stderr, "Generate a self-signed server identity as a password-protected\n")
		fmt.Fprintf(stderr, "PKCS#12 key store.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if days <= 0 {
		fmt.Fprintln(stderr, "Error: --days must be positive")
		return 1
	}

	if !force {
		for _, path := range []string{out, trust} {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(stderr, "Error: %s already exists (use --force to overwrite)\n", path)
				return 1
			}
		}
	}

	var hostList []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hostList = append(hostList, h)
		}
	}

	cred, err := readNewCredential(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	info, err := tlsx.GenerateKeystore(tlsx.KeystoreConfig{
		Path:          out,
		TrustPath:     trust,
		Hosts:         hostList,
		ValidDuration: time.Duration(days) * 24 * time.Hour,
		Organization:  org,
	}, cred)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Key store written:   %s\n", info.Path)
	if info.TrustPath != "" {
		fmt.Fprintf(stdout, "Trust store written: %s\n", info.TrustPath)
	}
	fmt.Fprintf(stdout, "Valid until:         %s\n", info.NotAfter.Format(time.RFC3339))
	if showQR {
		displayFingerprintQR(stdout, info.Fingerprint, "")
	} else {
		fmt.Fprintf(stdout, "Fingerprint:         %s\n", info.Fingerprint)
	}
	return 0
}
