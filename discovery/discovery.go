// Package discovery advertises this peer on the LAN and browses for others,
// producing digest-deduplicated "nearby" candidates for pairing (spec §4.7).
//
// Grounded on original_source/slick/discovery.py (Nearby record shape,
// dedup-by-digest, the set_cert_host single-slot restart queue), transported
// over github.com/libp2p/zeroconf/v2 the way the teacher's peerset/node
// layer runs a long-lived background goroutine per external event source
// (tornet/peerset.go's dial/handle loop style).
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/zeroconf/v2"
)

const (
	serviceType = "_slick._tcp"
	domain      = "local."
)

// Nearby is an ephemeral candidate peer observed on the LAN (spec §3).
// Per the resolved open question (see DESIGN.md), two records are
// considered the same peer purely by Digest; IP/port drift for an existing
// digest updates the stored record in place rather than creating a second
// entry.
type Nearby struct {
	Name          string
	Host          string
	CertServiceID string
	IP            string
	Digest        [32]byte
	PublicKey     [32]byte
	CertPort      int
	TalkPort      int
}

// Config carries everything Discovery needs to build its own TXT record and
// filter its own advertisement back out of Nearby (spec §4.7, §3's
// self-filter invariant).
type Config struct {
	Name          string
	Digest        [32]byte
	PublicKey     [32]byte
	TalkPort      int
	CertPort      int
	CertServiceID string // optional; may arrive later via SetCertHost
	Logger        log.Logger
}

// Discovery advertises the local service and maintains the observed set of
// nearby peers.
type Discovery struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	server *zeroconf.Server

	nearbyMu sync.RWMutex
	nearby   map[[32]byte]Nearby

	restartQueue chan string
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Discovery instance. Call Start to begin advertising/browsing.
func New(cfg Config) *Discovery {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Discovery{
		cfg:          cfg,
		logger:       logger,
		nearby:       make(map[[32]byte]Nearby),
		restartQueue: make(chan string, 1),
	}
}

// Start registers the local advertisement and begins browsing. ctx bounds
// the browse loop; Stop unregisters and halts both background goroutines.
func (d *Discovery) Start(ctx context.Context) error {
	if err := d.registerLocked(d.cfg.CertServiceID); err != nil {
		return fmt.Errorf("discovery: initial registration: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.runRestartWorker(runCtx)
	go d.browseLoop(runCtx)
	return nil
}

// Stop unregisters the local advertisement and halts background goroutines.
func (d *Discovery) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	return nil
}

// SetCertHost enqueues a restart that unregisters and re-registers the
// advertisement with an updated cert overlay service id (spec §4.7:
// "a single-slot queue; set_cert_host(new_cs) enqueues a restart"). If a
// restart is already pending, its target id is replaced rather than queued
// behind it.
func (d *Discovery) SetCertHost(certServiceID string) {
	select {
	case d.restartQueue <- certServiceID:
		return
	default:
	}
	select {
	case <-d.restartQueue:
	default:
	}
	d.restartQueue <- certServiceID
}

// Nearby returns a snapshot of currently known candidates.
func (d *Discovery) Nearby() []Nearby {
	d.nearbyMu.RLock()
	defer d.nearbyMu.RUnlock()

	out := make([]Nearby, 0, len(d.nearby))
	for _, n := range d.nearby {
		out = append(out, n)
	}
	return out
}

func (d *Discovery) registerLocked(certServiceID string) error {
	instance := fmt.Sprintf("%s.%s", d.cfg.Name, hex.EncodeToString(d.cfg.Digest[:3]))

	text := []string{
		"d=" + string(d.cfg.Digest[:]),
		"pk=" + string(d.cfg.PublicKey[:]),
		"cp=" + strconv.Itoa(d.cfg.CertPort),
	}
	if certServiceID != "" {
		text = append(text, "cs="+certServiceID)
	}

	server, err := zeroconf.Register(instance, serviceType, domain, d.cfg.TalkPort, text, nil)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()
	return nil
}

func (d *Discovery) runRestartWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case certServiceID := <-d.restartQueue:
			d.mu.Lock()
			if d.server != nil {
				d.server.Shutdown()
				d.server = nil
			}
			d.mu.Unlock()
			if err := d.registerLocked(certServiceID); err != nil {
				d.logger.Error("Discovery restart failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Discovery) browseLoop(ctx context.Context) {
	defer d.wg.Done()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		d.logger.Error("Discovery resolver init failed", "err", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		d.logger.Error("Discovery browse failed", "err", err)
	}
	<-ctx.Done()
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	fields := parseTXT(entry.Text)

	if entry.TTL == 0 {
		d.removeByHost(entry.HostName)
		return
	}

	digestRaw := fields["d"]
	if len(digestRaw) != 32 {
		return
	}
	var digest [32]byte
	copy(digest[:], digestRaw)

	if digest == d.cfg.Digest {
		// Self-filter: never insert our own advertisement (spec §3 invariant).
		return
	}

	pkRaw := fields["pk"]
	if len(pkRaw) != 32 {
		return
	}
	var pk [32]byte
	copy(pk[:], pkRaw)

	certPort, _ := strconv.Atoi(fields["cp"])

	ip := ""
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	}

	n := Nearby{
		Name:          strings.SplitN(entry.Instance, ".", 2)[0],
		Host:          entry.HostName,
		CertServiceID: fields["cs"],
		IP:            ip,
		Digest:        digest,
		PublicKey:     pk,
		CertPort:      certPort,
		TalkPort:      entry.Port,
	}

	d.nearbyMu.Lock()
	d.nearby[digest] = n
	d.nearbyMu.Unlock()
}

func (d *Discovery) removeByHost(host string) {
	d.nearbyMu.Lock()
	defer d.nearbyMu.Unlock()

	for digest, n := range d.nearby {
		if n.Host == host {
			delete(d.nearby, digest)
		}
	}
}

// parseTXT splits zeroconf's raw TXT strings on the first '=', preserving
// binary-safe values (spec §4.7's d/pk fields are raw 32-byte digests, not
// text).
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		idx := strings.IndexByte(r, '=')
		if idx < 0 {
			continue
		}
		out[r[:idx]] = r[idx+1:]
	}
	return out
}
