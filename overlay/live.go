package overlay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	"github.com/cretz/bine/torutil/ed25519"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ipsn/go-libtor"
	"golang.org/x/net/proxy"

	"github.com/slicknet/slick/internal/onceval"
)

// ErrServiceUnknown is returned by RemoveService for an id that was never
// created through this gateway instance.
var ErrServiceUnknown = errors.New("overlay: unknown service id")

// LiveGateway adopts an embedded Tor process (via github.com/ipsn/go-libtor,
// exactly as the teacher's backend.go bootstraps tor.Start with
// ProcessCreator: libtor.Creator) and implements Gateway against it.
//
// Each ephemeral service is realized as a real Tor onion listener (created
// with bine's high-level tor.Tor.Listen, mirroring tornet/server.go's
// NewServer) whose accepted connections are bridged to the caller's already
// -bound local listener. The bridge keeps CertServer/TalkServer's plain
// net.Listener-based plumbing identical whether a peer arrived directly or
// through the overlay.
type LiveGateway struct {
	dataDir string
	logger  log.Logger

	mu       sync.Mutex
	proc     *tor.Tor
	services map[string]io.Closer

	socks onceval.Cell[string]
}

// NewLiveGateway creates a gateway that will launch Tor rooted at dataDir
// (spec §6: base/tor/).
func NewLiveGateway(dataDir string) *LiveGateway {
	return &LiveGateway{
		dataDir:  dataDir,
		logger:   log.Root(),
		services: make(map[string]io.Closer),
	}
}

// Launch implements Gateway.
func (gw *LiveGateway) Launch(ctx context.Context) error {
	gw.mu.Lock()
	if gw.proc != nil {
		gw.mu.Unlock()
		return nil
	}
	gw.mu.Unlock()

	t, err := tor.Start(ctx, &tor.StartConf{
		ProcessCreator: libtor.Creator,
		DataDir:        gw.dataDir,
		NoHush:         true,
	})
	if err != nil {
		return fmt.Errorf("overlay: launching tor: %w", err)
	}
	if err := t.EnableNetwork(ctx, true); err != nil {
		return fmt.Errorf("overlay: enabling tor network: %w", err)
	}
	info, err := t.Control.GetInfo("net/listeners/socks")
	if err != nil || len(info) == 0 {
		return fmt.Errorf("overlay: resolving socks listener: %w", err)
	}

	gw.mu.Lock()
	gw.proc = t
	gw.mu.Unlock()

	gw.socks.Set(info[0].Val)
	gw.logger.Info("Overlay router ready", "socks", info[0].Val)
	return nil
}

// SocksEndpoint implements Gateway.
func (gw *LiveGateway) SocksEndpoint(ctx context.Context) (string, error) {
	return gw.socks.Wait(ctx)
}

// Dialer implements Gateway.
func (gw *LiveGateway) Dialer(ctx context.Context) (proxy.Dialer, error) {
	endpoint, err := gw.SocksEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.SOCKS5("tcp", endpoint, nil, proxy.Direct)
}

// CreateEphemeralService implements Gateway.
func (gw *LiveGateway) CreateEphemeralService(ctx context.Context, virtPort int, listener net.Listener) (Service, error) {
	key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Service{}, err
	}
	return gw.publish(ctx, key.PrivateKey(), virtPort, listener)
}

// InstallEphemeralService implements Gateway.
func (gw *LiveGateway) InstallEphemeralService(ctx context.Context, privateKey string, virtPort int, listener net.Listener) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("overlay: malformed stored private key: %w", err)
	}
	svc, err := gw.publish(ctx, ed25519.PrivateKey(raw), virtPort, listener)
	if err != nil {
		return "", err
	}
	return svc.ID, nil
}

func (gw *LiveGateway) publish(ctx context.Context, key ed25519.PrivateKey, virtPort int, listener net.Listener) (Service, error) {
	gw.mu.Lock()
	proc := gw.proc
	gw.mu.Unlock()
	if proc == nil {
		return Service{}, errors.New("overlay: gateway not launched")
	}

	onion, err := proc.Listen(ctx, &tor.ListenConf{
		Key:         key,
		RemotePorts: []int{virtPort},
		Version3:    true,
		NoWait:      true, // descriptor upload happens async; don't block publish on it
	})
	if err != nil {
		return Service{}, err
	}
	id := torutil.OnionServiceIDFromPublicKey(key.PublicKey())

	gw.mu.Lock()
	gw.services[id] = onion
	gw.mu.Unlock()

	go gw.bridge(onion, listener)

	return Service{ID: id, PrivateKey: base64.StdEncoding.EncodeToString(key)}, nil
}

// bridge splices connections accepted on the onion listener through to the
// locally bound listener's address, so that both direct and overlay peers
// end up talking to the exact same Accept loop (spec §4.6: the TLS listener
// runs "on identity.port(), same local port mapped by the main overlay
// service at virt 443").
func (gw *LiveGateway) bridge(onion net.Listener, local net.Listener) {
	for {
		remote, err := onion.Accept()
		if err != nil {
			return
		}
		go func() {
			defer remote.Close()

			peer, err := net.Dial(local.Addr().Network(), local.Addr().String())
			if err != nil {
				gw.logger.Warn("Overlay bridge dial failed", "err", err)
				return
			}
			defer peer.Close()

			done := make(chan struct{}, 2)
			go func() { io.Copy(peer, remote); done <- struct{}{} }()
			go func() { io.Copy(remote, peer); done <- struct{}{} }()
			<-done
		}()
	}
}

// RemoveService implements Gateway.
func (gw *LiveGateway) RemoveService(ctx context.Context, serviceID string) error {
	gw.mu.Lock()
	closer, ok := gw.services[serviceID]
	if ok {
		delete(gw.services, serviceID)
	}
	gw.mu.Unlock()

	if !ok {
		return ErrServiceUnknown
	}
	return closer.Close()
}

// Close tears down the embedded router process, if one was launched.
// Supervisor calls this (through an io.Closer type assertion, since it is
// not part of the Gateway capability surface spec §4.1 defines) as the
// last step of stopping the overlay component.
func (gw *LiveGateway) Close() error {
	gw.mu.Lock()
	proc := gw.proc
	gw.proc = nil
	gw.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Close()
}
