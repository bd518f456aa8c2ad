// Package crypto provides Ed25519 signing and verification for the
// appliance evidence pipeline and for orders from the control plane.
//
// The appliance holds one Ed25519 keypair, bootstrapped on first start
// and persisted as a 32-byte seed at <state_dir>/signing.key (mode 0600).
// The private key never leaves the process; only the hex public key is
// reported upstream on checkin.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Signer signs canonical payloads with the appliance Ed25519 key.
type Signer struct {
	mu   sync.Mutex
	key  ed25519.PrivateKey
	path string
}

// NewSigner loads the signing key from path, generating and persisting a
// new keypair if none exists. Fails only on filesystem errors.
func NewSigner(path string) (*Signer, error) {
	key, err := loadOrCreateKey(path)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, path: path}, nil
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(ed25519.Sign(s.key, data))
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Reinit reloads the key from disk. Called when a prior signing failure
// left the signer in doubt; the next cycle retries initialization.
func (s *Signer) Reinit() error {
	key, err := loadOrCreateKey(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return nil
}

// Verify checks a hex signature over data under the signer's own public key.
func (s *Signer) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	s.mu.Lock()
	pub := s.key.Public().(ed25519.PublicKey)
	s.mu.Unlock()
	return ed25519.Verify(pub, data, sig)
}

func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(data), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}

	return priv, nil
}
