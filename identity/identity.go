package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/slicknet/slick/internal/onceval"
	"github.com/slicknet/slick/overlay"
	"github.com/slicknet/slick/wire"
)

// ErrUnseal is returned by Unseal when a ciphertext fails sealed-box
// authentication (spec §7: "UnsealError").
var ErrUnseal = errors.New("identity: sealed box authentication failed")

// ErrNameRequired is returned by Start on first run if no display name has
// been configured via SetName.
var ErrNameRequired = errors.New("identity: display name required for first-time setup")

const identFileName = "ident"

// identFile is the on-disk JSON layout of base/ident (spec §6).
type identFile struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Onion struct {
		PrivateKey string `json:"pk"`
		ServiceID  string `json:"service_id"`
	} `json:"onion"`
}

// Identity owns the local sealed-box key pair and the local overlay service
// identity (spec §4.3). It exposes the first-run/reload lifecycle and the
// one-shot results (port, name, service id) that many components await,
// realized with internal/onceval as the Go counterpart of
// original_source/slick/identity.py's asyncio.Future() cells.
type Identity struct {
	base    string
	gateway overlay.Gateway

	setupName string

	priv [32]byte
	pub  [32]byte

	nameCell      onceval.Cell[string]
	portCell      onceval.Cell[int]
	serviceIDCell onceval.Cell[string]
}

// New creates an Identity rooted at base, using gateway to create/install the
// overlay service backing it.
func New(base string, gateway overlay.Gateway) *Identity {
	return &Identity{base: base, gateway: gateway}
}

// SetName configures the display name to persist on first run. It has no
// effect once the identity file already exists on disk.
func (id *Identity) SetName(name string) {
	id.setupName = name
}

// RequiresSetup reports whether this is the first run (no ident file yet).
func (id *Identity) RequiresSetup() bool {
	_, err := os.Stat(filepath.Join(id.base, identFileName))
	return errors.Is(err, os.ErrNotExist)
}

// Start loads or creates the identity, installing (or creating) the overlay
// service that forwards virt port 443 onto listener. listener is the local
// TLS listener TalkServer already bound (spec §4.3: "mapping virt port 443 →
// a freshly-chosen free local port (reported via port())").
func (id *Identity) Start(ctx context.Context, listener net.Listener) error {
	path := filepath.Join(id.base, identFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := id.startExisting(ctx, data, listener); unmarshalErr != nil {
			return unmarshalErr
		}
	case errors.Is(err, os.ErrNotExist):
		if startErr := id.startFresh(ctx, path, listener); startErr != nil {
			return startErr
		}
	default:
		return err
	}

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return err
	}
	id.portCell.Set(port)
	return nil
}

func (id *Identity) startExisting(ctx context.Context, data []byte, listener net.Listener) error {
	var rec identFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("identity: malformed ident file: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(rec.Key)
	if err != nil || len(privBytes) != 32 {
		return fmt.Errorf("identity: malformed sealing key in ident file")
	}
	copy(id.priv[:], privBytes)
	curve25519.ScalarBaseMult(&id.pub, &id.priv)

	serviceID, err := id.gateway.InstallEphemeralService(ctx, rec.Onion.PrivateKey, 443, listener)
	if err != nil {
		return fmt.Errorf("identity: reinstalling overlay service: %w", err)
	}
	id.serviceIDCell.Set(serviceID)
	id.nameCell.Set(rec.Name)
	return nil
}

func (id *Identity) startFresh(ctx context.Context, path string, listener net.Listener) error {
	if id.setupName == "" {
		return ErrNameRequired
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	id.pub, id.priv = *pub, *priv

	svc, err := id.gateway.CreateEphemeralService(ctx, 443, listener)
	if err != nil {
		return fmt.Errorf("identity: creating overlay service: %w", err)
	}

	var rec identFile
	rec.Name = id.setupName
	rec.Key = base64.StdEncoding.EncodeToString(id.priv[:])
	rec.Onion.PrivateKey = svc.PrivateKey
	rec.Onion.ServiceID = svc.ID

	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(id.base, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return err
	}

	id.serviceIDCell.Set(svc.ID)
	id.nameCell.Set(id.setupName)
	return nil
}

// Port returns the local listener's port, blocking until Start has run.
func (id *Identity) Port(ctx context.Context) (int, error) {
	return id.portCell.Wait(ctx)
}

// Name returns the configured display name, blocking until Start has run.
func (id *Identity) Name(ctx context.Context) (string, error) {
	return id.nameCell.Wait(ctx)
}

// ServiceID returns the overlay service id, blocking until Start has run.
func (id *Identity) ServiceID(ctx context.Context) (string, error) {
	return id.serviceIDCell.Wait(ctx)
}

// ServiceHost returns "<service_id>.onion" (spec §4.3).
func (id *Identity) ServiceHost(ctx context.Context) (string, error) {
	serviceID, err := id.ServiceID(ctx)
	if err != nil {
		return "", err
	}
	return serviceID + ".onion", nil
}

// PublicKey returns the local X25519 public key.
func (id *Identity) PublicKey() [32]byte {
	return id.pub
}

// GreetingPayload returns the bencoded Request{cert, name, public_key} spec
// §4.3 defines as the pairing greeting.
func (id *Identity) GreetingPayload(ctx context.Context, certPEM []byte) ([]byte, error) {
	name, err := id.Name(ctx)
	if err != nil {
		return nil, err
	}
	pub := id.pub
	return wire.EncodeRequest(wire.Request{
		Cert:      certPEM,
		Name:      name,
		PublicKey: pub[:],
	}), nil
}

// Unseal opens a sealed-box ciphertext addressed to the local public key.
func (id *Identity) Unseal(ciphertext []byte) ([]byte, error) {
	plain, ok := box.OpenAnonymous(nil, ciphertext, &id.pub, &id.priv)
	if !ok {
		return nil, ErrUnseal
	}
	return plain, nil
}

// Seal encrypts plaintext as an anonymous sealed box addressed to peerKey,
// per libsodium sealed-box semantics (spec GLOSSARY).
func Seal(peerKey [32]byte, plaintext []byte) ([]byte, error) {
	return box.SealAnonymous(nil, plaintext, &peerKey, rand.Reader)
}
