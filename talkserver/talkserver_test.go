package talkserver

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/slickctx"
)

type peer struct {
	certs   *identity.CertStore
	friends *friendstore.Store
}

func newPeer(t *testing.T, onion string) *peer {
	t.Helper()
	base := t.TempDir()
	certs := identity.NewCertStore()
	if err := certs.Start(base, onion); err != nil {
		t.Fatalf("cert start: %v", err)
	}
	store := friendstore.New(base)
	if err := store.Start(); err != nil {
		t.Fatalf("friendstore start: %v", err)
	}
	return &peer{certs: certs, friends: store}
}

func trustEachOther(t *testing.T, a, b *peer, aOnion, bOnion string) {
	t.Helper()
	var bKey [32]byte
	if err := a.friends.Add(friendstore.Friend{
		Onion:     bOnion,
		Name:      "b",
		CertPEM:   string(b.certs.PublicCertBytes()),
		PublicKey: bKey,
	}); err != nil {
		t.Fatalf("trust b: %v", err)
	}
	var aKey [32]byte
	if err := b.friends.Add(friendstore.Friend{
		Onion:     aOnion,
		Name:      "a",
		CertPEM:   string(a.certs.PublicCertBytes()),
		PublicKey: aKey,
	}); err != nil {
		t.Fatalf("trust a: %v", err)
	}
}

func TestTalkServerMessageAndFileRoundTrip(t *testing.T) {
	aOnion, bOnion := "aaaa.onion", "bbbb.onion"
	a := newPeer(t, aOnion)
	b := newPeer(t, bOnion)
	trustEachOther(t, a, b, aOnion, bOnion)

	var received *slickctx.Message
	done := make(chan struct{}, 1)

	rawListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(rawListener, a.certs, a.friends, func(m *slickctx.Message) {
		received = m
		done <- struct{}{}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := tls.Dial("tcp", rawListener.Addr().String(), &tls.Config{
		Certificates:       []tls.Certificate{b.certs.TLSCertificate()},
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodPost, "https://"+rawListener.Addr().String()+"/", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("message never delivered")
	}
	if received == nil || received.SenderName != "b" || string(received.Data) != "hi" {
		t.Fatalf("unexpected message: %+v", received)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("file contents"), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	friendB, _ := a.friends.GetFriendForOnion(bOnion)

	url1, err := srv.OfferFile(friendB, path)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	url2, err := srv.OfferFile(friendB, path)
	if err != nil {
		t.Fatalf("offer again: %v", err)
	}
	if url1 != url2 {
		t.Fatalf("offering the same path twice produced different URLs: %s vs %s", url1, url2)
	}
}

func TestTalkServerRejectsUnknownCert(t *testing.T) {
	aOnion := "cccc.onion"
	a := newPeer(t, aOnion)
	stranger := newPeer(t, "dddd.onion")

	rawListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(rawListener, a.certs, a.friends, func(*slickctx.Message) {})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	if _, err := headOverTLS(rawListener.Addr().String(), stranger.certs.TLSCertificate()); err == nil {
		t.Fatalf("expected the server to reject an untrusted certificate")
	}
}

// headOverTLS dials addr presenting cert and issues HEAD /. Under TLS 1.3 the
// server's rejection of a client certificate reaches the client on its first
// read rather than during tls.Dial, so a rejected certificate surfaces here
// as an error from writing the request or reading the response.
func headOverTLS(addr string, cert tls.Certificate) (*http.Response, error) {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodHead, "https://"+addr+"/", nil)
	if err := req.Write(conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(conn), req)
}

func TestTalkServerRestartAdmitsNewFriend(t *testing.T) {
	aOnion := "eeee.onion"
	a := newPeer(t, aOnion)
	b := newPeer(t, "ffff.onion")

	rawListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(rawListener, a.certs, a.friends, func(*slickctx.Message) {})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	// Not yet trusted: the server must reject the certificate.
	if _, err := headOverTLS(rawListener.Addr().String(), b.certs.TLSCertificate()); err == nil {
		t.Fatalf("expected the server to reject the certificate before trust is established")
	}

	var bKey [32]byte
	if err := a.friends.Add(friendstore.Friend{
		Onion:     "ffff.onion",
		Name:      "b",
		CertPEM:   string(b.certs.PublicCertBytes()),
		PublicKey: bKey,
	}); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	// friendstore.Add fires the restart hook synchronously, so the new
	// trust anchor should already be live.
	resp, err := headOverTLS(rawListener.Addr().String(), b.certs.TLSCertificate())
	if err != nil {
		t.Fatalf("expected handshake to succeed after restart: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HEAD after restart: status = %d, want 200", resp.StatusCode)
	}
}
