package pairing

import (
	"context"
	"net"
	"testing"

	"github.com/slicknet/slick/certserver"
	"github.com/slicknet/slick/discovery"
	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/overlay"
	"github.com/slicknet/slick/slickctx"
)

type node struct {
	ident   *identity.Identity
	certs   *identity.CertStore
	friends *friendstore.Store
}

func newNode(t *testing.T, name string) *node {
	t.Helper()
	base := t.TempDir()
	gw := overlay.NewMockGateway()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	id := identity.New(base, gw)
	id.SetName(name)
	if err := id.Start(context.Background(), listener); err != nil {
		t.Fatalf("identity start: %v", err)
	}
	host, err := id.ServiceHost(context.Background())
	if err != nil {
		t.Fatalf("service host: %v", err)
	}
	certs := identity.NewCertStore()
	if err := certs.Start(base, host); err != nil {
		t.Fatalf("certs start: %v", err)
	}
	friends := friendstore.New(base)
	if err := friends.Start(); err != nil {
		t.Fatalf("friendstore start: %v", err)
	}
	return &node{ident: id, certs: certs, friends: friends}
}

func startCertServer(t *testing.T, n *node, accept bool) int {
	t.Helper()
	rawListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := certserver.New(rawListener, n.ident, n.certs, n.friends, func(*slickctx.FriendRequest) bool {
		return accept
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("certserver start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	_, port := splitPort(t, rawListener.Addr().String())
	return port
}

func splitPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func TestAddSucceedsDirect(t *testing.T) {
	peer := newNode(t, "peer")
	us := newNode(t, "us")
	port := startCertServer(t, peer, true)

	digest := sha256Of(t, peer.certs.PublicCertBytes())
	candidate := discovery.Nearby{
		Name:      "peer",
		IP:        "127.0.0.1",
		CertPort:  port,
		Digest:    digest,
		PublicKey: peer.ident.PublicKey(),
	}

	p := New(Config{Identity: us.ident, Certs: us.certs, Friends: us.friends, Gateway: overlay.NewMockGateway()})
	if err := p.Add(context.Background(), candidate); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !us.friends.HasDigest(digest) {
		t.Fatalf("expected peer to be persisted as a friend")
	}
}

func TestAddFailsOnDigestMismatch(t *testing.T) {
	peer := newNode(t, "peer")
	us := newNode(t, "us")
	port := startCertServer(t, peer, true)

	var wrongDigest [32]byte
	wrongDigest[0] = 0xFF
	candidate := discovery.Nearby{
		Name:      "peer",
		IP:        "127.0.0.1",
		CertPort:  port,
		Digest:    wrongDigest,
		PublicKey: peer.ident.PublicKey(),
	}

	p := New(Config{Identity: us.ident, Certs: us.certs, Friends: us.friends, Gateway: overlay.NewMockGateway()})
	err := p.Add(context.Background(), candidate)
	if err != ErrDigestMismatch {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if len(us.friends.Friends()) != 0 {
		t.Fatalf("expected no friend to be persisted on digest mismatch")
	}
}

func TestAddFailsOnRejection(t *testing.T) {
	peer := newNode(t, "peer")
	us := newNode(t, "us")
	port := startCertServer(t, peer, false)

	digest := sha256Of(t, peer.certs.PublicCertBytes())
	candidate := discovery.Nearby{
		Name:      "peer",
		IP:        "127.0.0.1",
		CertPort:  port,
		Digest:    digest,
		PublicKey: peer.ident.PublicKey(),
	}

	p := New(Config{Identity: us.ident, Certs: us.certs, Friends: us.friends, Gateway: overlay.NewMockGateway()})
	if err := p.Add(context.Background(), candidate); err == nil {
		t.Fatalf("expected an error when the peer rejects the request")
	}
	if len(us.friends.Friends()) != 0 {
		t.Fatalf("expected no friend to be persisted on rejection")
	}
}

func sha256Of(t *testing.T, b []byte) [32]byte {
	t.Helper()
	f := friendstore.Friend{CertPEM: string(b)}
	return f.Digest()
}
