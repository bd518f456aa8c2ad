package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// Verifier verifies Ed25519 signatures from the control plane.
//
// The control plane signs orders and promoted-rule bundles with its private
// key; the appliance verifies before executing or deploying anything,
// preventing a MITM or compromised endpoint from injecting work into the
// fleet. The public key arrives on the first checkin.
type Verifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	keyHex    string
}

// NewVerifier creates a verifier. If publicKeyHex is empty, verification is
// deferred until SetPublicKey is called.
func NewVerifier(publicKeyHex string) *Verifier {
	v := &Verifier{}
	if publicKeyHex != "" {
		_ = v.SetPublicKey(publicKeyHex)
	}
	return v
}

// SetPublicKey sets or replaces the control plane's Ed25519 public key.
func (v *Verifier) SetPublicKey(hexKey string) error {
	pubBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = ed25519.PublicKey(pubBytes)
	v.keyHex = hexKey
	return nil
}

// HasKey returns true if a public key has been set.
func (v *Verifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.publicKey != nil
}

// PublicKeyHex returns the current public key as a hex string.
func (v *Verifier) PublicKeyHex() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyHex
}

// VerifyPayload verifies a hex-encoded Ed25519 signature over the exact
// signedPayload bytes the control plane signed.
func (v *Verifier) VerifyPayload(signedPayload, signatureHex string) error {
	v.mu.RLock()
	pk := v.publicKey
	v.mu.RUnlock()

	if pk == nil {
		return fmt.Errorf("no server public key configured")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pk, []byte(signedPayload), sig) {
		return fmt.Errorf("Ed25519 signature verification failed")
	}
	return nil
}

// BuildSignedPayload reconstructs the canonical signed payload from order
// fields so the verifier checks the same byte sequence the server signed.
func BuildSignedPayload(fields map[string]interface{}) (string, error) {
	data, err := CanonicalJSON(fields)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(data), nil
}
