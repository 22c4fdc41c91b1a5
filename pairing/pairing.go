// Package pairing drives the add-friend protocol against a discovered
// candidate: seal a greeting, try a direct LAN POST, fall back to the
// overlay transport, verify the reply's certificate digest, and persist the
// new friend (spec §4.10).
//
// Grounded on original_source/slick/discovery.py's Nearby.add() direct-
// then-overlay fallback and pairer.go's singleton-guarded network-readiness
// wait before attempting a router-dependent operation.
package pairing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/net/proxy"

	"github.com/slicknet/slick/discovery"
	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/overlay"
	"github.com/slicknet/slick/wire"
)

// ErrDigestMismatch is returned when the peer's replied certificate does
// not hash to the digest it advertised over discovery (spec §7).
var ErrDigestMismatch = errors.New("pairing: peer certificate digest does not match advertised digest")

// ErrPairingFailed wraps the underlying cause when neither the direct nor
// the overlay leg could reach the candidate.
var ErrPairingFailed = errors.New("pairing: could not reach peer over direct or overlay transport")

const (
	directTimeout = 1 * time.Second
	// networkReadyBound mirrors pairer.go's 60-attempt, 1-second-interval
	// wait for overlay circuits, expressed as a single bounded wait on the
	// onceval-backed SOCKS endpoint cell instead of a polling loop.
	networkReadyBound = 60 * time.Second
)

// Config wires Pairing to the local identity, certificate, friend store and
// overlay client.
type Config struct {
	Identity *identity.Identity
	Certs    *identity.CertStore
	Friends  *friendstore.Store
	Gateway  overlay.Gateway
	Logger   log.Logger
}

// Pairing drives the outbound add-friend flow (spec §4.10).
type Pairing struct {
	cfg Config
}

// New creates a Pairing driver.
func New(cfg Config) *Pairing {
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Pairing{cfg: cfg}
}

// Add attempts to pair with a discovered candidate. On success, the friend
// is persisted in cfg.Friends. On any failure, no state changes.
func (p *Pairing) Add(ctx context.Context, n discovery.Nearby) error {
	greeting, err := p.cfg.Identity.GreetingPayload(ctx, p.cfg.Certs.PublicCertBytes())
	if err != nil {
		return err
	}
	sealed, err := identity.Seal(n.PublicKey, greeting)
	if err != nil {
		return err
	}

	body, directErr := p.attemptDirect(ctx, n, sealed)
	if directErr != nil {
		p.cfg.Logger.Debug("Direct pairing attempt failed, falling back to overlay", "err", directErr)
		var overlayErr error
		body, overlayErr = p.attemptOverlay(ctx, n, sealed)
		if overlayErr != nil {
			return fmt.Errorf("%w: direct: %v, overlay: %v", ErrPairingFailed, directErr, overlayErr)
		}
	}

	plaintext, err := p.cfg.Identity.Unseal(body)
	if err != nil {
		return err
	}
	reply, err := wire.DecodeRequest(plaintext)
	if err != nil {
		return err
	}
	if sha256.Sum256(reply.Cert) != n.Digest {
		return ErrDigestMismatch
	}

	onion, err := certOnion(reply.Cert)
	if err != nil {
		return err
	}
	var pub [32]byte
	copy(pub[:], reply.PublicKey)

	return p.cfg.Friends.Add(friendstore.Friend{
		Onion:     onion,
		Name:      reply.Name,
		CertPEM:   string(reply.Cert),
		PublicKey: pub,
	})
}

func (p *Pairing) attemptDirect(ctx context.Context, n discovery.Nearby, sealed []byte) ([]byte, error) {
	if n.IP == "" || n.CertPort == 0 {
		return nil, errors.New("pairing: candidate advertised no direct address")
	}
	dialCtx, cancel := context.WithTimeout(ctx, directTimeout)
	defer cancel()

	client := &http.Client{Timeout: directTimeout}
	url := fmt.Sprintf("http://%s:%d/", n.IP, n.CertPort)
	return p.post(dialCtx, client, url, sealed)
}

func (p *Pairing) attemptOverlay(ctx context.Context, n discovery.Nearby, sealed []byte) ([]byte, error) {
	if n.CertServiceID == "" {
		return nil, errors.New("pairing: candidate advertised no overlay cert service")
	}
	readyCtx, cancel := context.WithTimeout(ctx, networkReadyBound)
	defer cancel()
	if _, err := p.cfg.Gateway.SocksEndpoint(readyCtx); err != nil {
		return nil, fmt.Errorf("pairing: overlay network not ready: %w", err)
	}

	dialer, err := p.cfg.Gateway.Dialer(ctx)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		},
	}
	url := fmt.Sprintf("http://%s.onion/", n.CertServiceID)
	return p.post(ctx, client, url, sealed)
}

func (p *Pairing) post(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pairing: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func certOnion(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("pairing: malformed certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	if len(cert.DNSNames) == 0 {
		return "", errors.New("pairing: certificate has no DNS SAN")
	}
	return cert.DNSNames[0], nil
}
