package overlay

import (
	"bufio"
	"context"
	"testing"

	"github.com/akutz/memconn"
)

// TestMockGatewayRoundTrip exercises the capability set spec §4.1 promises:
// a service is created on top of an already-bound local listener, and a
// Dialer obtained from the same gateway can reach it by onion address alone.
func TestMockGatewayRoundTrip(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	if err := gw.Launch(ctx); err != nil {
		t.Fatalf("launch: %v", err)
	}

	local, err := memconn.Listen("memb", "local-talk")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer local.Close()

	go func() {
		conn, err := local.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewWriter(conn).WriteString("hello\n")
		conn.Write([]byte("hello\n"))
	}()

	svc, err := gw.CreateEphemeralService(ctx, 443, local)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if svc.ID == "" {
		t.Fatalf("expected non-empty service id")
	}

	dialer, err := gw.Dialer(ctx)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", svc.ID+".onion:443")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 6)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello\n" {
		t.Fatalf("got %q, want %q", buf, "hello\n")
	}
}

// TestMockGatewayInstallPreservesID ensures re-installing a service from its
// persisted private key reproduces the same service id deterministically,
// per spec §4.1's install_ephemeral_service semantics.
func TestMockGatewayInstallPreservesID(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()
	gw.Launch(ctx)

	local, err := memconn.Listen("memb", "local-talk-2")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer local.Close()

	svc, err := gw.CreateEphemeralService(ctx, 443, local)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gw.RemoveService(ctx, svc.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	local2, err := memconn.Listen("memb", "local-talk-3")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer local2.Close()

	id, err := gw.InstallEphemeralService(ctx, svc.PrivateKey, 443, local2)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if id != svc.ID {
		t.Fatalf("reinstalled id = %q, want original %q", id, svc.ID)
	}
}
