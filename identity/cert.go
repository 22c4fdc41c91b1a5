// Package identity owns the local peer's two long-term credentials: the
// sealed-box key pair used to encrypt pairing greetings (Identity, spec
// §4.3) and the self-signed certificate bound to the local overlay service
// name (CertStore, spec §4.2).
//
// Grounded on tornet/crypto.go's GenerateIdentity/SecretIdentity (ECDSA
// key generation, self-signed certificate templating, PEM persistence
// shape) and original_source/slick/identity.py (first-run vs. reload
// branching, onceval-backed one-shot results for port/name/service id).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCertProvisionError is returned by (*CertStore).Start when asked to
// provision a certificate before a service host is available (spec §4.2:
// "Fails with CertProvisionError if the SAN cannot be computed").
var ErrCertProvisionError = errors.New("identity: cannot provision certificate: identity not ready")

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
)

// CertStore generates and persists the local X.509 certificate and private
// key, and exposes the PEM bytes and SHA-256 digest spec §3 defines as the
// canonical peer fingerprint.
type CertStore struct {
	mu      sync.RWMutex
	certPEM []byte
	keyPEM  []byte
	digest  [32]byte
	tlsCert tls.Certificate
}

// NewCertStore creates a blank certificate store; call Start before using it.
func NewCertStore() *CertStore {
	return &CertStore{}
}

// Start loads the certificate from base/server.{crt,key} if present, or
// generates and persists a new self-signed certificate whose sole DNSName
// SAN is serviceHost (spec §4.2: "<service_id>.onion"). serviceHost must be
// non-empty; callers are expected to have awaited Identity.ServiceHost first.
func (cs *CertStore) Start(base, serviceHost string) error {
	if serviceHost == "" {
		return ErrCertProvisionError
	}
	certPath := filepath.Join(base, certFileName)
	keyPath := filepath.Join(base, keyFileName)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return cs.load(certPEM, keyPEM)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	newKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		DNSNames:     []string{serviceHost},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Unix(31415926535, 0), // permanent id, never expire
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	newCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := os.MkdirAll(base, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, newKeyPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, newCertPEM, 0o600); err != nil {
		return err
	}
	return cs.load(newCertPEM, newKeyPEM)
}

func (cs *CertStore) load(certPEM, keyPEM []byte) error {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("identity: loading certificate: %w", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.certPEM = certPEM
	cs.keyPEM = keyPEM
	cs.tlsCert = tlsCert
	cs.digest = sha256.Sum256(certPEM)
	return nil
}

// PublicCertBytes returns the local certificate's PEM encoding.
func (cs *CertStore) PublicCertBytes() []byte {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]byte, len(cs.certPEM))
	copy(out, cs.certPEM)
	return out
}

// Digest returns the SHA-256 digest of the certificate's PEM bytes.
func (cs *CertStore) Digest() [32]byte {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.digest
}

// TLSCertificate returns the parsed tls.Certificate for use in a
// tls.Config's Certificates field.
func (cs *CertStore) TLSCertificate() tls.Certificate {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.tlsCert
}
