// Package certserver implements the pairing receiver: a plaintext HTTP
// listener, reachable only through its own ephemeral overlay service, that
// accepts a sealed greeting, hands the decoded request to the embedding
// application's friend-decision callback, and on acceptance persists the
// friend and replies with our own sealed greeting (spec §4.5).
//
// Grounded on original_source/slick/server.py's CertServer/FriendRequest,
// with the HTTP plumbing styled on talkserver.Server (same rawListener/
// http.Server/quit-channel shutdown shape) since both are single-endpoint
// listeners behind an overlay service.
package certserver

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/slickctx"
	"github.com/slicknet/slick/wire"
)

// maxBodyBytes bounds the sealed greeting body (spec §4.5: "Read body (≤64 KiB)").
const maxBodyBytes = 64 * 1024

// ErrBodyTooLarge is returned (and mapped to HTTP 400) when a POST body
// exceeds maxBodyBytes.
var ErrBodyTooLarge = errors.New("certserver: request body too large")

// Server is the pairing-receiver HTTP listener.
type Server struct {
	ident   *identity.Identity
	certs   *identity.CertStore
	friends *friendstore.Store
	decide  slickctx.FriendDecisionFunc
	logger  log.Logger

	rawListener net.Listener

	mu     sync.Mutex
	server *http.Server
	quit   chan struct{}
}

// New creates a cert server bound to rawListener, the local port the overlay
// client maps virt port 80 onto.
func New(rawListener net.Listener, ident *identity.Identity, certs *identity.CertStore, friends *friendstore.Store, decide slickctx.FriendDecisionFunc) *Server {
	return &Server{
		ident:       ident,
		certs:       certs,
		friends:     friends,
		decide:      decide,
		logger:      log.New("component", "certserver"),
		rawListener: rawListener,
	}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)

	s.mu.Lock()
	defer s.mu.Unlock()

	quit := make(chan struct{})
	srv := &http.Server{Handler: mux}
	s.server = srv
	s.quit = quit

	go func() {
		err := srv.Serve(s.rawListener)
		select {
		case <-quit:
			// Expected shutdown from Stop.
		default:
			s.logger.Warn("Cert server listener terminated", "err", err)
		}
	}()
	return nil
}

// Stop tears down the listener. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quit == nil {
		return nil
	}
	close(s.quit)
	s.quit = nil
	s.server.Close()
	return s.rawListener.Close()
}

// handleRoot implements spec §4.5's single POST / endpoint. Each request
// already runs on its own goroutine courtesy of net/http, so the unbounded
// wait for the decision callback never stalls other inbound requests.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, ErrBodyTooLarge.Error(), http.StatusBadRequest)
		return
	}

	plaintext, err := s.ident.Unseal(body)
	if err != nil {
		s.logger.Debug("Rejecting pairing request: unseal failed", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := wire.DecodeRequest(plaintext)
	if err != nil {
		s.logger.Debug("Rejecting pairing request: malformed greeting", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	onion, err := certOnion(req.Cert)
	if err != nil {
		s.logger.Debug("Rejecting pairing request: certificate has no onion SAN", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var pub [32]byte
	copy(pub[:], req.PublicKey)
	fr := &slickctx.FriendRequest{
		CertPEM:   req.Cert,
		Name:      req.Name,
		PublicKey: pub,
		Digest:    sha256.Sum256(req.Cert),
	}

	if s.decide == nil || !s.decide(fr) {
		http.Error(w, "rejected", http.StatusUnauthorized)
		return
	}

	if err := s.friends.Add(friendstore.Friend{
		Onion:     onion,
		Name:      req.Name,
		CertPEM:   string(req.Cert),
		PublicKey: pub,
	}); err != nil {
		s.logger.Error("Failed to persist accepted friend", "onion", onion, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload, err := s.ident.GreetingPayload(r.Context(), s.certs.PublicCertBytes())
	if err != nil {
		s.logger.Error("Failed to build reply greeting", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sealed, err := identity.Seal(pub, payload)
	if err != nil {
		s.logger.Error("Failed to seal reply greeting", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(sealed)
}

// certOnion extracts the single DNSName SAN (the peer's onion host) from a
// PEM-encoded certificate, the same derivation TalkServer performs from a
// verified TLS peer certificate (spec §3: "`cert` DNSName-SAN == `onion`").
func certOnion(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("certserver: malformed certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	if len(cert.DNSNames) == 0 {
		return "", errors.New("certserver: certificate has no DNS SAN")
	}
	return cert.DNSNames[0], nil
}
