// Package supervisor orchestrates the lifecycle of every other component —
// overlay gateway, certificate store, identity, friend store, cert server,
// talk server, discovery, per-friend connections and pairing — and records
// each component's status the way the rest of the module talks to it (spec
// §4.11).
//
// Grounded on original_source/slick/app.py's App: a fixed services list
// started concurrently via _start_service/_stop_service, with a
// ServiceStatus enum (Initializing/Started/Errored/Stopping/Stopped) and a
// slick.log file handler attached during start. Go has no asyncio.Future
// dependency graph to lean on, so the ordering the Python app gets "for
// free" by awaiting sibling futures inside each service's own start() is
// reproduced here with internal/onceval cells: each component's start
// function blocks on exactly the cells it needs, and every component still
// launches on its own goroutine, started together, exactly as app.py does.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/slicknet/slick/certserver"
	"github.com/slicknet/slick/connections"
	"github.com/slicknet/slick/discovery"
	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/identity"
	"github.com/slicknet/slick/internal/onceval"
	"github.com/slicknet/slick/overlay"
	"github.com/slicknet/slick/pairing"
	"github.com/slicknet/slick/slickctx"
	"github.com/slicknet/slick/talkserver"
)

// Status mirrors original_source/slick/app.py's ServiceStatus enum (spec
// §4.11: "records per-component state in {Initializing, Started, Errored,
// Stopping, Stopped}").
type Status int

const (
	StatusInitializing Status = iota
	StatusStarted
	StatusErrored
	StatusStopping
	StatusStopped
)

// String renders a Status the way a status line in a log or a debug command
// would want to print it.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusStarted:
		return "started"
	case StatusErrored:
		return "errored"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	componentOverlay     = "overlay"
	componentIdentity    = "identity"
	componentCertificate = "certificate"
	componentTalkServer  = "talkserver"
	componentCertServer  = "certserver"
	componentDiscovery   = "discovery"
	componentConnections = "connections"
	componentPairing     = "pairing"
)

// ErrNotFound is returned by operations addressed to a friend digest the
// supervisor has no live Connections for.
var ErrNotFound = errors.New("supervisor: no such friend")

// Config wires a Supervisor to its on-disk base directory and the two
// callbacks the embedding application (the out-of-scope REPL, or in this
// module cmd/slick's minimal harness) supplies (spec §9's bidirectional-
// ownership note, realized as slickctx callbacks rather than back-pointers).
type Config struct {
	// Base is the on-disk root (spec §6): ident, server.crt/key, friends/,
	// tor/, slick.log all live under it.
	Base string

	// Name is the display name to persist on first run. Required only when
	// Base has no ident file yet.
	Name string

	// DeleteAtExit removes Base entirely on Stop, mirroring app.py's
	// delete_at_exit flag for an ephemeral, caller-owned working directory.
	DeleteAtExit bool

	// Gateway overrides the overlay client; nil uses a real
	// overlay.LiveGateway rooted at Base/tor.
	Gateway overlay.Gateway

	MessageFunc    slickctx.MessageFunc
	FriendDecision slickctx.FriendDecisionFunc

	Logger log.Logger
}

// Supervisor owns every long-lived component and the per-friend Connections
// it spins up as friends are paired.
type Supervisor struct {
	cfg    Config
	logger log.Logger

	Gateway    overlay.Gateway
	Identity   *identity.Identity
	Certs      *identity.CertStore
	Friends    *friendstore.Store
	TalkServer *talkserver.Server
	CertServer *certserver.Server
	Pairing    *pairing.Pairing

	// Discovery is created only once startDiscovery resolves (it needs the
	// local identity and certificate to be ready first), so all access goes
	// through discMu rather than a direct field read.
	discMu sync.RWMutex
	disc   *discovery.Discovery

	talkListener net.Listener
	certListener net.Listener

	certsReady   onceval.Cell[struct{}]
	certSvcCell  onceval.Cell[string]
	gatewayReady onceval.Cell[struct{}]

	logFile *os.File

	connMu sync.Mutex
	conns  map[[32]byte]*connections.Connections

	statusMu sync.Mutex
	statuses map[string]Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor. Call Start to bring every component up.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = overlay.NewLiveGateway(filepath.Join(cfg.Base, "tor"))
	}

	sv := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		Gateway:  gateway,
		Identity: identity.New(cfg.Base, gateway),
		Certs:    identity.NewCertStore(),
		Friends:  friendstore.New(cfg.Base),
		conns:    make(map[[32]byte]*connections.Connections),
		statuses: make(map[string]Status),
	}
	if cfg.Name != "" {
		sv.Identity.SetName(cfg.Name)
	}
	return sv
}

// Status returns the current lifecycle status of a named component.
func (sv *Supervisor) Status(component string) Status {
	sv.statusMu.Lock()
	defer sv.statusMu.Unlock()
	return sv.statuses[component]
}

// Statuses returns a snapshot of every component's lifecycle status.
func (sv *Supervisor) Statuses() map[string]Status {
	sv.statusMu.Lock()
	defer sv.statusMu.Unlock()

	out := make(map[string]Status, len(sv.statuses))
	for k, v := range sv.statuses {
		out[k] = v
	}
	return out
}

func (sv *Supervisor) setStatus(component string, status Status) {
	sv.statusMu.Lock()
	sv.statuses[component] = status
	sv.statusMu.Unlock()
}

func (sv *Supervisor) setDiscovery(d *discovery.Discovery) {
	sv.discMu.Lock()
	sv.disc = d
	sv.discMu.Unlock()
}

func (sv *Supervisor) getDiscovery() *discovery.Discovery {
	sv.discMu.RLock()
	defer sv.discMu.RUnlock()
	return sv.disc
}

// Start brings up every component concurrently, the way app.py's start()
// creates one task per service and lets each await whatever siblings it
// depends on. A component's start failure is recorded and logged but never
// aborts the others (spec §4.11, §7).
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := os.MkdirAll(sv.cfg.Base, 0o700); err != nil {
		return fmt.Errorf("supervisor: creating base dir: %w", err)
	}
	if err := sv.attachFileLog(); err != nil {
		sv.logger.Warn("Could not attach slick.log file handler", "err", err)
	}

	talkListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("supervisor: binding talk listener: %w", err)
	}
	sv.talkListener = talkListener

	certListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("supervisor: binding cert listener: %w", err)
	}
	sv.certListener = certListener

	if err := sv.Friends.Start(); err != nil {
		return fmt.Errorf("supervisor: loading friend store: %w", err)
	}
	sv.Friends.AddRestartHook(sv.onFriendAdded)

	sv.TalkServer = talkserver.New(sv.talkListener, sv.Certs, sv.Friends, sv.cfg.MessageFunc)
	sv.CertServer = certserver.New(sv.certListener, sv.Identity, sv.Certs, sv.Friends, sv.cfg.FriendDecision)
	sv.Pairing = pairing.New(pairing.Config{
		Identity: sv.Identity,
		Certs:    sv.Certs,
		Friends:  sv.Friends,
		Gateway:  sv.Gateway,
		Logger:   log.New("component", componentPairing),
	})
	sv.setStatus(componentPairing, StatusStarted)

	runCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel

	for _, name := range []string{
		componentOverlay, componentIdentity, componentCertificate,
		componentTalkServer, componentCertServer, componentDiscovery,
		componentConnections,
	} {
		sv.setStatus(name, StatusInitializing)
	}

	sv.wg.Add(7)
	go sv.runComponent(componentOverlay, func() error { return sv.startOverlay(runCtx) })
	go sv.runComponent(componentIdentity, func() error { return sv.startIdentity(runCtx) })
	go sv.runComponent(componentCertificate, func() error { return sv.startCertificate(runCtx) })
	go sv.runComponent(componentTalkServer, func() error { return sv.startTalkServer(runCtx) })
	go sv.runComponent(componentCertServer, func() error { return sv.startCertServer(runCtx) })
	go sv.runComponent(componentDiscovery, func() error { return sv.startDiscovery(runCtx) })
	go sv.runComponent(componentConnections, func() error { return sv.startConnections(runCtx) })

	sv.wg.Add(1)
	go func() { defer sv.wg.Done(); sv.correlateLoop(runCtx) }()

	return nil
}

// runComponent wraps a single component's start function with the
// Initializing -> Started|Errored bookkeeping spec §4.11 requires, run on
// its own goroutine so a slow or failing component never blocks its
// siblings.
func (sv *Supervisor) runComponent(name string, start func() error) {
	defer sv.wg.Done()

	if err := start(); err != nil {
		sv.setStatus(name, StatusErrored)
		sv.logger.Error("Component failed to start", "component", name, "err", err)
		return
	}
	sv.setStatus(name, StatusStarted)
}

func (sv *Supervisor) startOverlay(ctx context.Context) error {
	if err := sv.Gateway.Launch(ctx); err != nil {
		return err
	}
	sv.gatewayReady.Set(struct{}{})
	return nil
}

func (sv *Supervisor) startIdentity(ctx context.Context) error {
	if _, err := sv.gatewayReady.Wait(ctx); err != nil {
		return err
	}
	return sv.Identity.Start(ctx, sv.talkListener)
}

func (sv *Supervisor) startCertificate(ctx context.Context) error {
	host, err := sv.Identity.ServiceHost(ctx)
	if err != nil {
		return err
	}
	if err := sv.Certs.Start(sv.cfg.Base, host); err != nil {
		return err
	}
	sv.certsReady.Set(struct{}{})
	return nil
}

func (sv *Supervisor) startTalkServer(ctx context.Context) error {
	if _, err := sv.certsReady.Wait(ctx); err != nil {
		return err
	}
	return sv.TalkServer.Start()
}

func (sv *Supervisor) startCertServer(ctx context.Context) error {
	if _, err := sv.certsReady.Wait(ctx); err != nil {
		return err
	}
	svc, err := sv.Gateway.CreateEphemeralService(ctx, 80, sv.certListener)
	if err != nil {
		return err
	}
	if err := sv.CertServer.Start(); err != nil {
		return err
	}
	sv.certSvcCell.Set(svc.ID)
	return nil
}

func (sv *Supervisor) startDiscovery(ctx context.Context) error {
	if _, err := sv.certsReady.Wait(ctx); err != nil {
		return err
	}
	name, err := sv.Identity.Name(ctx)
	if err != nil {
		return err
	}
	talkPort, err := sv.Identity.Port(ctx)
	if err != nil {
		return err
	}
	_, certPortStr, err := net.SplitHostPort(sv.certListener.Addr().String())
	if err != nil {
		return err
	}
	certPort, err := strconv.Atoi(certPortStr)
	if err != nil {
		return err
	}

	d := discovery.New(discovery.Config{
		Name:      name,
		Digest:    sv.Certs.Digest(),
		PublicKey: sv.Identity.PublicKey(),
		TalkPort:  talkPort,
		CertPort:  certPort,
		Logger:    log.New("component", componentDiscovery),
	})
	if err := d.Start(ctx); err != nil {
		return err
	}
	sv.setDiscovery(d)

	// The cert service id usually isn't ready yet; arm a watcher that feeds
	// it to Discovery.SetCertHost the moment startCertServer resolves it
	// (spec §4.7: advertised "cs" field arrives via the restart queue).
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		if id, err := sv.certSvcCell.Wait(ctx); err == nil {
			if d := sv.getDiscovery(); d != nil {
				d.SetCertHost(id)
			}
		}
	}()
	return nil
}

func (sv *Supervisor) startConnections(ctx context.Context) error {
	for _, f := range sv.Friends.Friends() {
		sv.spinUpConnections(ctx, f)
	}
	return nil
}

// spinUpConnections builds and starts a Connections handle for f, unless
// one already exists.
func (sv *Supervisor) spinUpConnections(ctx context.Context, f friendstore.Friend) {
	digest := f.Digest()

	sv.connMu.Lock()
	if _, exists := sv.conns[digest]; exists {
		sv.connMu.Unlock()
		return
	}
	c := connections.New(connections.Config{
		Friend:  f,
		Certs:   sv.Certs,
		Gateway: sv.Gateway,
		Logger:  log.New("friend", f.Name),
	})
	sv.conns[digest] = c
	sv.connMu.Unlock()

	c.Start(ctx)
}

// onFriendAdded is FriendStore's restart hook for this supervisor: it spins
// up a Connections handle for the newly accepted friend (spec §4: pairing's
// data-flow note "FriendStore update -> Connections spin up"). TalkServer
// registers its own hook for trust-anchor refresh independently (see
// friendstore.Store.AddRestartHook); both run off the same Add call.
func (sv *Supervisor) onFriendAdded() {
	friends := sv.Friends.Friends()
	if len(friends) == 0 {
		return
	}
	// The most recently appended friend is the one that was just added
	// (friendstore.Store.Add appends, never reorders).
	sv.spinUpConnections(context.Background(), friends[len(friends)-1])
}

// correlateLoop periodically matches Discovery's nearby set against stored
// friends by digest, feeding each match's address into the corresponding
// Connections handle (spec overview: "Discovery ... correlating advertised
// records with stored friends"). Discovery exposes only a polled snapshot,
// not a push subscription, so this is the natural realization.
func (sv *Supervisor) correlateLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sv.correlateOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (sv *Supervisor) correlateOnce() {
	d := sv.getDiscovery()
	if d == nil {
		return
	}
	byDigest := make(map[[32]byte]discovery.Nearby)
	for _, n := range d.Nearby() {
		byDigest[n.Digest] = n
	}

	sv.connMu.Lock()
	defer sv.connMu.Unlock()

	for digest, c := range sv.conns {
		if n, ok := byDigest[digest]; ok {
			nCopy := n
			c.UpdateNearby(&nCopy)
		} else {
			c.UpdateNearby(nil)
		}
	}
}

// Nearby returns the currently observed LAN candidates.
func (sv *Supervisor) Nearby() []discovery.Nearby {
	d := sv.getDiscovery()
	if d == nil {
		return nil
	}
	return d.Nearby()
}

// AddFriend drives the outbound pairing flow against a discovered
// candidate (spec §4.10).
func (sv *Supervisor) AddFriend(ctx context.Context, n discovery.Nearby) error {
	return sv.Pairing.Add(ctx, n)
}

// connectionsFor looks up the live Connections handle for a friend digest.
func (sv *Supervisor) connectionsFor(digest [32]byte) (*connections.Connections, error) {
	sv.connMu.Lock()
	defer sv.connMu.Unlock()

	c, ok := sv.conns[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// SendMessage sends free-form text to a friend identified by certificate
// digest, over whichever transport Connections currently selects.
func (sv *Supervisor) SendMessage(ctx context.Context, friendDigest [32]byte, text string) (bool, error) {
	c, err := sv.connectionsFor(friendDigest)
	if err != nil {
		return false, err
	}
	return c.Send(ctx, text)
}

// OfferFile offers a local path to a friend identified by certificate
// digest (spec §4.8's offer_file).
func (sv *Supervisor) OfferFile(ctx context.Context, friendDigest [32]byte, path string) error {
	c, err := sv.connectionsFor(friendDigest)
	if err != nil {
		return err
	}
	return c.OfferFile(ctx, sv.TalkServer, path)
}

// GetFile downloads a file a friend has offered (spec §4.9).
func (sv *Supervisor) GetFile(ctx context.Context, friendDigest [32]byte, remotePath string, size int64, target string) error {
	c, err := sv.connectionsFor(friendDigest)
	if err != nil {
		return err
	}
	return c.GetFile(ctx, remotePath, size, target)
}

// Stop cancels every background loop and stops each component concurrently,
// mirroring app.py's stop(): cancel the start tasks, gather each service's
// own stop(), then (if owned) delete the base directory.
func (sv *Supervisor) Stop() error {
	for _, name := range []string{
		componentOverlay, componentIdentity, componentCertificate,
		componentTalkServer, componentCertServer, componentDiscovery,
		componentConnections, componentPairing,
	} {
		sv.setStatus(name, StatusStopping)
	}

	if sv.cancel != nil {
		sv.cancel()
	}
	sv.wg.Wait()

	var wg sync.WaitGroup
	stoppers := []struct {
		name string
		stop func() error
	}{
		{componentConnections, sv.stopConnections},
		{componentDiscovery, sv.stopDiscovery},
		{componentCertServer, sv.stopCertServer},
		{componentTalkServer, sv.stopTalkServer},
		{componentOverlay, sv.stopOverlay},
	}
	for _, s := range stoppers {
		wg.Add(1)
		go func(name string, stop func() error) {
			defer wg.Done()
			if err := stop(); err != nil {
				sv.logger.Warn("Component failed to stop cleanly", "component", name, "err", err)
			}
			sv.setStatus(name, StatusStopped)
		}(s.name, s.stop)
	}
	wg.Wait()
	sv.setStatus(componentPairing, StatusStopped)

	if sv.logFile != nil {
		sv.logFile.Close()
	}
	if sv.cfg.DeleteAtExit {
		return os.RemoveAll(sv.cfg.Base)
	}
	return nil
}

func (sv *Supervisor) stopConnections() error {
	sv.connMu.Lock()
	defer sv.connMu.Unlock()
	for _, c := range sv.conns {
		c.Stop()
	}
	return nil
}

func (sv *Supervisor) stopDiscovery() error {
	d := sv.getDiscovery()
	if d == nil {
		return nil
	}
	return d.Stop()
}

func (sv *Supervisor) stopCertServer() error {
	if sv.CertServer == nil {
		return nil
	}
	return sv.CertServer.Stop()
}

func (sv *Supervisor) stopTalkServer() error {
	if sv.TalkServer == nil {
		return nil
	}
	return sv.TalkServer.Stop()
}

func (sv *Supervisor) stopOverlay() error {
	if closer, ok := sv.Gateway.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// attachFileLog adds base/slick.log as an additional debug-level sink
// alongside whatever handler the caller already configured on the root
// logger (spec §6: "slick.log — append-only debug log"; app.py's
// initialize() attaches exactly this kind of FileHandler).
func (sv *Supervisor) attachFileLog() error {
	f, err := os.OpenFile(filepath.Join(sv.cfg.Base, "slick.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	sv.logFile = f

	combined := log.MultiHandler(log.Root().Handler(), log.LogfmtHandler(f))
	log.SetDefault(log.NewLogger(combined))
	return nil
}
