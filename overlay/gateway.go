// Package overlay is a thin capability layer over the external onion-routing
// router process (out of scope per spec §1: "the overlay router process
// itself ... the core only needs the abstract capability set"). It exposes
// exactly that capability set: launching/adopting the router, creating and
// re-installing ephemeral hidden services mapped onto an already-bound local
// listener, removing services, and dialing out through the router's SOCKS5
// proxy.
//
// Grounded on tornet/gateway.go's Gateway interface (a live implementation
// plus an in-memory mock for tests) and tornet/server.go's use of
// github.com/cretz/bine/tor for onion listener/dialer setup.
package overlay

import (
	"context"
	"net"

	"golang.org/x/net/proxy"
)

// Service describes an ephemeral hidden service created through the router.
// PrivateKey is an opaque, persistable representation of the service's onion
// key (spec §6 ident.onion.pk) that can be handed back to
// InstallEphemeralService after a restart to keep the same service ID.
type Service struct {
	ID         string
	PrivateKey string
}

// Gateway is the capability surface spec §4.1 requires of the overlay
// router. Live code talks to a real router process; tests substitute
// NewMockGateway to run entirely over in-memory connections.
type Gateway interface {
	// Launch starts or adopts the router process and blocks until its
	// control channel is authenticated and its SOCKS proxy is listening.
	Launch(ctx context.Context) error

	// SocksEndpoint returns the "host:port" of the router's SOCKS5 proxy.
	// It blocks until Launch has completed.
	SocksEndpoint(ctx context.Context) (string, error)

	// Dialer returns a proxy.Dialer that routes outbound TCP connections
	// through the router's SOCKS5 proxy.
	Dialer(ctx context.Context) (proxy.Dialer, error)

	// CreateEphemeralService publishes a brand new v3 hidden service that
	// forwards virtPort traffic to the already-bound local listener, and
	// returns before the caller may assume the service is reachable.
	CreateEphemeralService(ctx context.Context, virtPort int, listener net.Listener) (Service, error)

	// InstallEphemeralService re-publishes a hidden service from a
	// previously persisted private key, again forwarding virtPort traffic
	// to the given local listener.
	InstallEphemeralService(ctx context.Context, privateKey string, virtPort int, listener net.Listener) (string, error)

	// RemoveService tears down a previously created or installed service.
	RemoveService(ctx context.Context, serviceID string) error
}
