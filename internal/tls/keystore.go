package tls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/credential"
	apperrors "github.com/TrongDang2608/Secure-Broadcaster/internal/errors"
)

// readStore reads a store file, mapping filesystem failures to
// credential.unreadable.
func readStore(path string) ([]byte, error) {
	if !fileExists(path) {
		return nil, apperrors.CredentialUnreadable(path, os.ErrNotExist)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.CredentialUnreadable(path, err)
	}
	return data, nil
}

// classifyDecodeError maps PKCS#12 decoder errors onto credential codes.
func classifyDecodeError(path string, err error) error {
	if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) {
		return apperrors.CredentialInvalid(path, err)
	}
	var notImpl pkcs12.NotImplementedError
	if errors.As(err, &notImpl) {
		return apperrors.Wrap(apperrors.CodeCredentialUnsupported, "key store uses an unsupported algorithm", err)
	}
	return apperrors.CredentialMalformed(path, err)
}

// LoadIdentity decodes a PKCS#12 key store into a TLS certificate chain.
// The credential is not destroyed; NewContext owns that.
func LoadIdentity(path string, cred *credential.Credential) (tls.Certificate, error) {
	data, err := readStore(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	var (
		key   interface{}
		leaf  *x509.Certificate
		chain []*x509.Certificate
	)
	err = cred.WithPassword(func(password string) error {
		var err error
		key, leaf, chain, err = pkcs12.DecodeChain(data, password)
		return err
	})
	if err != nil {
		if apperrors.IsCredential(err) {
			return tls.Certificate{}, err
		}
		return tls.Certificate{}, classifyDecodeError(path, err)
	}
	if leaf == nil || key == nil {
		return tls.Certificate{}, apperrors.CredentialNoMaterial(path, "private key and certificate")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, apperrors.New(apperrors.CodeCredentialUnsupported, "key store private key cannot sign")
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  signer,
		Leaf:        leaf,
	}
	for _, ca := range chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

// LoadTrustPool decodes the certificates a client should trust.
// It accepts a certificate-only trust store, and falls back to the
// certificates of a key store so one store file can serve both roles.
func LoadTrustPool(path string, cred *credential.Credential) (*x509.CertPool, []*x509.Certificate, error) {
	data, err := readStore(path)
	if err != nil {
		return nil, nil, err
	}

	var certs []*x509.Certificate
	err = cred.WithPassword(func(password string) error {
		trusted, err := pkcs12.DecodeTrustStore(data, password)
		if err == nil && len(trusted) > 0 {
			certs = trusted
			return nil
		}
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return err
		}
		_, leaf, chain, chainErr := pkcs12.DecodeChain(data, password)
		if chainErr != nil {
			if err != nil && !errors.Is(chainErr, pkcs12.ErrIncorrectPassword) {
				// Report the trust store error; it describes what
				// the caller asked for.
				return err
			}
			return chainErr
		}
		certs = append([]*x509.Certificate{leaf}, chain...)
		return nil
	})
	if err != nil {
		if apperrors.IsCredential(err) {
			return nil, nil, err
		}
		return nil, nil, classifyDecodeError(path, err)
	}
	if len(certs) == 0 {
		return nil, nil, apperrors.CredentialNoMaterial(path, "trusted certificates")
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, certs, nil
}
