// Package identity holds the worker's asymmetric keypair (C1) and signs
// the envelopes sent to the Gateway. The keypair is ed25519; the public
// half is exposed as a did:key DID. Persistence follows the same
// base64-in-a-flat-file shape the teacher uses for its RSA key material
// (crypto/decryption.go), generalized to ed25519 and a small JSON
// envelope instead of PEM.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/livepeer/encoder-worker/internal/xlog"
)

// did:key multicodec prefix for ed25519-pub (0xed01), multibase 'z'
// (base58btc). Fixed per SPEC_FULL.md — not configurable.
const didKeyMulticodecPrefix = "z6Mk"

// File is the persisted identity record, matching spec.md §6's
// "Persistent worker state" shape.
type File struct {
	EncoderID          string    `json:"encoderId"`
	DisplayName        string    `json:"displayName"`
	CreatedAt          time.Time `json:"createdAt"`
	TotalJobsCompleted int       `json:"totalJobsCompleted"`
	LastActive         time.Time `json:"lastActive"`
	PrivateKeyB64      string    `json:"privateKey"`
	PublicKeyB64       string    `json:"publicKey"`
}

// Identity is the worker's durable keypair plus the bookkeeping fields
// persisted alongside it.
type Identity struct {
	path       string
	file       File
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// Load reads the identity file at path, creating a fresh keypair and
// identity record if none exists yet.
func Load(path, displayName string) (*Identity, error) {
	id := &Identity{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading identity file %q: %w", path, err)
		}
		return create(path, displayName)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity file %q: %w", path, err)
	}

	priv, err := base64.StdEncoding.DecodeString(f.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(f.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}

	id.file = f
	id.privateKey = ed25519.PrivateKey(priv)
	id.publicKey = ed25519.PublicKey(pub)
	return id, nil
}

func create(path, displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}

	now := time.Now()
	f := File{
		EncoderID:     uuid.New().String(),
		DisplayName:   displayName,
		CreatedAt:     now,
		LastActive:    now,
		PrivateKeyB64: base64.StdEncoding.EncodeToString(priv),
		PublicKeyB64:  base64.StdEncoding.EncodeToString(pub),
	}

	id := &Identity{path: path, file: f, privateKey: priv, publicKey: pub}
	if err := id.persist(); err != nil {
		return nil, err
	}
	glog.Infof("created new worker identity %s (%s)", f.EncoderID, id.DID())
	return id, nil
}

func (id *Identity) persist() error {
	if dir := filepath.Dir(id.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating identity dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(id.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling identity file: %w", err)
	}
	return os.WriteFile(id.path, data, 0o600)
}

// DID returns the worker's public key as a did:key identifier, the
// canonical form that both C4 and C5 normalize to.
func (id *Identity) DID() string {
	return "did:key:" + didKeyMulticodecPrefix + base64.RawURLEncoding.EncodeToString(id.publicKey)
}

// EncoderID returns the opaque persistent identity id (distinct from the
// DID; used for node registration payloads).
func (id *Identity) EncoderID() string { return id.file.EncoderID }

// PublicKey exposes the raw ed25519 public key, e.g. for embedding into
// a node-registration payload.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.publicKey }

// RecordJobCompleted bumps the completed-job counter and persists it.
// Best-effort: a persistence failure is logged, not propagated, since
// losing this counter never affects correctness.
func (id *Identity) RecordJobCompleted() {
	id.file.TotalJobsCompleted++
	id.file.LastActive = time.Now()
	if err := id.persist(); err != nil {
		xlog.LogNoJobID("failed to persist identity counters", "err", err.Error())
	}
}
