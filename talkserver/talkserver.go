// Package talkserver implements the mutually-authenticated TLS listener that
// carries post-pairing traffic: text/file-offer messages via POST / and
// range-based file downloads via GET /f/{id} (spec §4.6).
//
// Grounded on original_source/slick/server.py's TalkServer/OfferedFile. The
// TLS trust anchors are a ClientCAs pool built from the friend store's
// certificates; no VerifyPeerCertificate callback or idle timeout is
// installed on the server side. UUIDs for offered files come from
// github.com/google/uuid.
package talkserver

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/slickctx"
)

// ErrNotOffered is the HTTP-404 condition for a GET /f/{id} against an
// unknown file id, or one the requesting friend has no permission for (spec
// §4.6: "if file_id ∉ files → 404; if sender ∉ friends_allowed → 404").
var ErrNotOffered = errors.New("talkserver: file not offered to this peer")

// OfferedFile is a locally-scoped URL granting specified friends read access
// to a local absolute path (spec §3).
type OfferedFile struct {
	UUID           string
	AbsPath        string
	FriendsAllowed map[[32]byte]struct{}
}

// Server is the per-node TLS listener for messages and file transfers.
type Server struct {
	certs   *identity.CertStore
	friends *friendstore.Store
	onMsg   slickctx.MessageFunc
	logger  log.Logger

	rawListener net.Listener

	mu       sync.Mutex
	listener net.Listener // current tls.Listener wrapping rawListener
	server   *http.Server
	quit     chan struct{}

	filesMu sync.RWMutex
	files   map[string]*OfferedFile
	byPath  map[string]string // absolute path -> uuid
}

// New creates a talk server bound to a local raw listener (already shared
// with the overlay service, spec §4.6: "same local port mapped by the main
// overlay service at virt 443").
func New(rawListener net.Listener, certs *identity.CertStore, friends *friendstore.Store, onMessage slickctx.MessageFunc) *Server {
	s := &Server{
		certs:       certs,
		friends:     friends,
		onMsg:       onMessage,
		logger:      log.New("component", "talkserver"),
		rawListener: rawListener,
		files:       make(map[string]*OfferedFile),
		byPath:      make(map[string]string),
	}
	friends.AddRestartHook(func() { s.Restart() })
	return s
}

// Start builds the initial TLS configuration from the current friend store
// and begins accepting connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/f/", s.handleFile)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startLocked(mux)
}

func (s *Server) startLocked(mux http.Handler) error {
	tlsConfig := s.buildTLSConfig()
	listener := tls.NewListener(s.rawListener, tlsConfig)

	quit := make(chan struct{})
	srv := &http.Server{Handler: mux}

	s.listener = listener
	s.server = srv
	s.quit = quit

	go func() {
		err := srv.Serve(listener)
		select {
		case <-quit:
			// Expected shutdown from Restart/Stop.
		default:
			s.logger.Warn("Talk server listener terminated", "err", err)
		}
	}()
	return nil
}

// buildTLSConfig assembles the trust-anchor pool from the current friend
// store snapshot (spec §3 invariant: "TLS trust anchors equal exactly
// {Friend.cert_pem | Friend ∈ FriendStore} at the moment of its last
// (re)start").
func (s *Server) buildTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	for _, f := range s.friends.Friends() {
		pool.AppendCertsFromPEM([]byte(f.CertPEM))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{s.certs.TLSCertificate()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		// Peers dial by <id>.onion, but the SAN on the certificate is the
		// peer's own onion, so hostname checking is meaningless here —
		// trust comes from certificate pinning via ClientCAs above, not
		// from name matching.
		InsecureSkipVerify: false,
	}
}

// Restart rebuilds the TLS trust anchors from the latest friend store state
// and atomically swaps in a fresh listener, per spec §4.6/§9: restart is
// modeled as constructing a new listener from the latest snapshot and
// swapping it in, rather than mutating a live listener's trust anchors.
// Closing the old server closes the wrapping tls.Listener and, with it, the
// raw TCP listener, so a fresh raw listener is bound on the same address;
// the overlay mapping and any LAN advertisement of this port stay valid.
// Connections arriving between the close and the rebind are refused.
func (s *Server) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quit != nil {
		close(s.quit)
		s.quit = nil
		s.server.Close()
		addr := s.rawListener.Addr()
		raw, err := net.Listen(addr.Network(), addr.String())
		if err != nil {
			s.logger.Error("Talk server restart failed to rebind", "addr", addr, "err", err)
			return
		}
		s.rawListener = raw
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/f/", s.handleFile)
	if err := s.startLocked(mux); err != nil {
		s.logger.Error("Talk server restart failed", "err", err)
	}
}

// Stop tears down the listener. The raw TCP listener is closed here too,
// since Stop means the whole component is shutting down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quit != nil {
		close(s.quit)
		s.server.Close()
	}
	return s.rawListener.Close()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)

	case http.MethodPost:
		onion, err := peerOnion(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sender, err := s.friends.GetFriendForOnion(onion)
		if err != nil {
			s.logger.Warn("Message from unknown peer", "onion", onion, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := readAll(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg := &slickctx.Message{
			SenderName:  sender.Name,
			SenderOnion: sender.Onion,
			ContentType: r.Header.Get("Content-Type"),
			Data:        data,
		}
		if s.onMsg != nil {
			s.onMsg(msg)
		}
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	fileID := filepath.Base(r.URL.Path)

	s.filesMu.RLock()
	file, ok := s.files[fileID]
	s.filesMu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	onion, err := peerOnion(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sender, err := s.friends.GetFriendForOnion(onion)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, allowed := file.FriendsAllowed[sender.Digest()]; !allowed {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, file.AbsPath)
}

// OfferFile registers a local path for a friend's read access, returning the
// URL path the remote peer can GET it from (spec §4.6's offer_file).
// Offering the same absolute path multiple times augments the same
// OfferedFile rather than creating a new one (spec §8 invariant).
func (s *Server) OfferFile(friend friendstore.Friend, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("talkserver: %s is a directory", abs)
	}

	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	id, ok := s.byPath[abs]
	if !ok {
		id = uuid.NewString()
		s.files[id] = &OfferedFile{
			UUID:           id,
			AbsPath:        abs,
			FriendsAllowed: make(map[[32]byte]struct{}),
		}
		s.byPath[abs] = id
	}
	s.files[id].FriendsAllowed[friend.Digest()] = struct{}{}
	return "/f/" + id, nil
}

func peerOnion(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", errors.New("talkserver: no peer certificate presented")
	}
	cert := r.TLS.PeerCertificates[0]
	if len(cert.DNSNames) == 0 {
		return "", errors.New("talkserver: peer certificate has no SAN")
	}
	return cert.DNSNames[0], nil
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
