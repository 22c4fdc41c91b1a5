package overlay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/akutz/memconn"
	"golang.org/x/net/proxy"
)

// NewMockGateway creates a Gateway that never talks to a real router: every
// "onion" dial is short-circuited through in-memory memconn connections,
// exactly the way tornet/gateway.go's mockGateway short circuits a Tor
// dial/listen pair through net.Listen("tcp", "127.0.0.1:0") for tests. This
// one dials with memconn: a service backed by a memconn listener is reached
// without any socket, while a service backed by a TCP listener is reached
// over loopback TCP, since memconn.Dial falls back to net.Dial for networks
// other than its own.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		services: make(map[string]net.Listener),
	}
}

// MockGateway simulates a router for tests.
type MockGateway struct {
	services map[string]net.Listener
	lock     sync.RWMutex

	socksReady bool
}

// Launch implements Gateway; the mock has nothing to boot.
func (gw *MockGateway) Launch(ctx context.Context) error {
	gw.lock.Lock()
	gw.socksReady = true
	gw.lock.Unlock()
	return nil
}

// SocksEndpoint implements Gateway, returning a fixed placeholder since the
// mock dialer never actually opens a socket to it. Unlike LiveGateway it
// does not block: called before Launch, it returns an error at once.
func (gw *MockGateway) SocksEndpoint(ctx context.Context) (string, error) {
	gw.lock.RLock()
	defer gw.lock.RUnlock()
	if !gw.socksReady {
		return "", errors.New("overlay: mock gateway not launched")
	}
	return "mock-socks:0", nil
}

// Dialer implements Gateway, resolving "<id>.onion:port" addresses straight
// to the matching in-memory listener, mirroring tornet's mockGatewayDialer.
func (gw *MockGateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	return &mockDialer{gw}, nil
}

type mockDialer struct {
	gateway *MockGateway
}

func (d *mockDialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, errors.New("overlay: unsupported mock network")
	}
	d.gateway.lock.RLock()
	listener, ok := d.gateway.services[addr]
	d.gateway.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("overlay: unknown mock destination %s", addr)
	}
	return memconn.Dial(listener.Addr().Network(), listener.Addr().String())
}

// CreateEphemeralService implements Gateway.
func (gw *MockGateway) CreateEphemeralService(ctx context.Context, virtPort int, listener net.Listener) (Service, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Service{}, err
	}
	id := hex.EncodeToString(raw[:8])
	return gw.register(id, base64.StdEncoding.EncodeToString(raw[:]), virtPort, listener)
}

// InstallEphemeralService implements Gateway.
func (gw *MockGateway) InstallEphemeralService(ctx context.Context, privateKey string, virtPort int, listener net.Listener) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", err
	}
	id := hex.EncodeToString(raw)[:16]
	svc, err := gw.register(id, privateKey, virtPort, listener)
	if err != nil {
		return "", err
	}
	return svc.ID, nil
}

func (gw *MockGateway) register(id, privateKey string, virtPort int, listener net.Listener) (Service, error) {
	addr := fmt.Sprintf("%s.onion:%d", id, virtPort)

	gw.lock.Lock()
	defer gw.lock.Unlock()

	if _, ok := gw.services[addr]; ok {
		return Service{}, fmt.Errorf("overlay: mock service %s already published", addr)
	}
	gw.services[addr] = listener
	return Service{ID: id, PrivateKey: privateKey}, nil
}

// Close implements io.Closer so Supervisor can treat MockGateway the same
// way it treats LiveGateway when tearing down the overlay component. The
// mock has no process to tear down.
func (gw *MockGateway) Close() error {
	return nil
}

// RemoveService implements Gateway.
func (gw *MockGateway) RemoveService(ctx context.Context, serviceID string) error {
	gw.lock.Lock()
	defer gw.lock.Unlock()

	for addr := range gw.services {
		if len(addr) > len(serviceID) && addr[:len(serviceID)] == serviceID {
			delete(gw.services, addr)
			return nil
		}
	}
	return ErrServiceUnknown
}
