// Package tls builds the TLS material for the broadcaster.
//
// Identities and trust anchors live in password-protected PKCS#12 stores.
// A key store carries the server's private key and certificate chain; a
// trust store carries only certificates. The server loads a key store, the
// client loads a trust store (or the certificates of a key store). This
// file generates self-signed key stores for first-time setup.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
)

// KeystoreConfig holds configuration for key store generation.
type KeystoreConfig struct {
	// Path is where the PKCS#12 key store (key + certificate) is written.
	Path string

	// TrustPath, if set, also receives a certificate-only trust store for
	// distribution to clients.
	TrustPath string

	// Hosts is a list of hostnames and IP addresses for the certificate.
	// If empty, defaults to localhost and 127.0.0.1.
	Hosts []string

	// ValidDuration is how long the certificate should be valid.
	// If zero, defaults to 365 days.
	ValidDuration time.Duration

	// Organization is the organization name in the certificate subject.
	// If empty, defaults to "securecast".
	Organization string
}

// KeystoreInfo describes a generated key store.
type KeystoreInfo struct {
	Path      string
	TrustPath string

	// Fingerprint is the SHA-256 fingerprint of the certificate.
	// Format: colon-separated hex bytes (e.g., "AA:BB:CC:...")
	Fingerprint string

	NotBefore time.Time
	NotAfter  time.Time
}

// GenerateKeystore creates a self-signed ECDSA identity and writes it as a
// PKCS#12 key store protected by cred. The credential is destroyed before
// GenerateKeystore returns.
func GenerateKeystore(cfg KeystoreConfig, cred *credential.Credential) (*KeystoreInfo, error) {
	defer cred.Destroy()

	if cfg.Path == "" {
		return nil, fmt.Errorf("key store path is required")
	}

	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	validDuration := cfg.ValidDuration
	if validDuration == 0 {
		validDuration = 365 * 24 * time.Hour
	}

	organization := cfg.Organization
	if organization == "" {
		organization = "securecast"
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(validDuration)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   "securecast server",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	var keyStore, trustStore []byte
	err = cred.WithPassword(func(password string) error {
		var err error
		keyStore, err = pkcs12.Modern.Encode(privateKey, cert, nil, password)
		if err != nil {
			return fmt.Errorf("failed to encode key store: %w", err)
		}
		if cfg.TrustPath != "" {
			trustStore, err = pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{cert}, password)
			if err != nil {
				return fmt.Errorf("failed to encode trust store: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := writeStore(cfg.Path, keyStore); err != nil {
		return nil, err
	}
	if cfg.TrustPath != "" {
		if err := writeStore(cfg.TrustPath, trustStore); err != nil {
			return nil, err
		}
	}

	return &KeystoreInfo{
		Path:        cfg.Path,
		TrustPath:   cfg.TrustPath,
		Fingerprint: ComputeFingerprint(cert),
		NotBefore:   notBefore,
		NotAfter:    notAfter,
	}, nil
}

// writeStore writes a store with owner-only permissions, creating the
// parent directory if needed.
func writeStore(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key store directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ComputeFingerprint computes the SHA-256 fingerprint of a certificate.
// Returns the fingerprint as colon-separated uppercase hex bytes.
// Example: "AA:BB:CC:DD:EE:FF:..."
func ComputeFingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	hexStr := hex.EncodeToString(hash[:])

	var parts []string
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return strings.Join(parts, ":")
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
