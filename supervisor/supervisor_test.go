package supervisor

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/slicknet/slick/friendstore"
	"github.com/slicknet/slick/overlay"
)

// waitStatus polls until component reaches want or the timeout elapses,
// mirroring the eventual-consistency the concurrent component goroutines in
// Start introduce.
func waitStatus(t *testing.T, sv *Supervisor, component string, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sv.Status(component) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("component %s: want status %s, got %s", component, want, sv.Status(component))
}

func newTestSupervisor(t *testing.T, name string) *Supervisor {
	t.Helper()
	sv := New(Config{
		Base:    t.TempDir(),
		Name:    name,
		Gateway: overlay.NewMockGateway(),
	})
	t.Cleanup(func() { sv.Stop() })
	return sv
}

func TestStartBringsUpCoreComponents(t *testing.T) {
	sv := newTestSupervisor(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, component := range []string{
		componentIdentity, componentCertificate, componentTalkServer,
		componentCertServer, componentConnections,
	} {
		waitStatus(t, sv, component, StatusStarted, 2*time.Second)
	}
	if got := sv.Status(componentPairing); got != StatusStarted {
		t.Fatalf("pairing: want started immediately, got %s", got)
	}

	name, err := sv.Identity.Name(ctx)
	if err != nil || name != "alice" {
		t.Fatalf("Identity.Name() = %q, %v", name, err)
	}
	if _, err := sv.Identity.Port(ctx); err != nil {
		t.Fatalf("Identity.Port(): %v", err)
	}

	if err := sv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, component := range []string{
		componentTalkServer, componentCertServer, componentConnections,
		componentPairing, componentOverlay,
	} {
		if got := sv.Status(component); got != StatusStopped {
			t.Fatalf("component %s: want stopped, got %s", component, got)
		}
	}
}

// TestFriendAddSpinsUpConnections exercises the data-flow spec §4 documents:
// a FriendStore.Add must (through the supervisor's own restart hook, running
// alongside TalkServer's) produce a live Connections handle addressable by
// that friend's certificate digest, without needing Discovery or a real peer.
func TestFriendAddSpinsUpConnections(t *testing.T) {
	sv := newTestSupervisor(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, sv, componentConnections, StatusStarted, 2*time.Second)

	const certPEM = "-----BEGIN CERTIFICATE-----\nbogus\n-----END CERTIFICATE-----\n"
	friend := friendstore.Friend{
		Onion:     "bobbobbobbobbob.onion",
		Name:      "bob",
		CertPEM:   certPEM,
		PublicKey: [32]byte{1, 2, 3},
	}
	if err := sv.Friends.Add(friend); err != nil {
		t.Fatalf("Friends.Add: %v", err)
	}

	digest := sha256.Sum256([]byte(certPEM))
	deadline := time.Now().Add(2 * time.Second)
	var connErr error
	for time.Now().Before(deadline) {
		if _, connErr = sv.connectionsFor(digest); connErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if connErr != nil {
		t.Fatalf("connectionsFor: %v", connErr)
	}

	if _, err := sv.SendMessage(ctx, digest, "hello"); err == nil {
		t.Fatalf("expected SendMessage to fail against an unreachable mock peer")
	}
}
