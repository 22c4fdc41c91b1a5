package identity

import (
	"context"
	"net"
	"testing"

	"github.com/slicknet/slick/overlay"
	"github.com/slicknet/slick/wire"
)

func TestIdentityFreshStartAndReload(t *testing.T) {
	base := t.TempDir()
	gw := overlay.NewMockGateway()
	ctx := context.Background()
	if err := gw.Launch(ctx); err != nil {
		t.Fatalf("launch: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	id := New(base, gw)
	if !id.RequiresSetup() {
		t.Fatalf("expected fresh base to require setup")
	}
	id.SetName("alice")
	if err := id.Start(ctx, listener); err != nil {
		t.Fatalf("start: %v", err)
	}

	name, err := id.Name(ctx)
	if err != nil || name != "alice" {
		t.Fatalf("name = %q, %v", name, err)
	}
	host, err := id.ServiceHost(ctx)
	if err != nil {
		t.Fatalf("service host: %v", err)
	}

	greeting, err := id.GreetingPayload(ctx, []byte("cert-pem"))
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	req, err := wire.DecodeRequest(greeting)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Name != "alice" || string(req.Cert) != "cert-pem" {
		t.Fatalf("unexpected greeting contents: %+v", req)
	}

	// Reload against the same base: must not require setup, and must reuse
	// the persisted onion service id.
	gw2 := overlay.NewMockGateway()
	gw2.Launch(ctx)

	listener2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener2.Close()

	reloaded := New(base, gw2)
	if reloaded.RequiresSetup() {
		t.Fatalf("expected existing base to not require setup")
	}
	if err := reloaded.Start(ctx, listener2); err != nil {
		t.Fatalf("reload start: %v", err)
	}
	host2, err := reloaded.ServiceHost(ctx)
	if err != nil {
		t.Fatalf("service host: %v", err)
	}
	if host2 != host {
		t.Fatalf("reload service host = %q, want persisted %q", host2, host)
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	base := t.TempDir()
	gw := overlay.NewMockGateway()
	ctx := context.Background()
	gw.Launch(ctx)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	id := New(base, gw)
	id.SetName("bob")
	if err := id.Start(ctx, listener); err != nil {
		t.Fatalf("start: %v", err)
	}

	plaintext := []byte("the eagle has landed")
	sealed, err := Seal(id.PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := id.Unseal(sealed)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("got %q want %q", opened, plaintext)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := id.Unseal(sealed); err != ErrUnseal {
		t.Fatalf("expected ErrUnseal on tampered ciphertext, got %v", err)
	}
}
