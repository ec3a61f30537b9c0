// Package crypto provides Ed25519 signing and verification for envelope
// authentication, plus the trust map that binds mTLS peer identities to
// public keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Key material errors.
var (
	ErrBadSeedLength = errors.New("crypto: private key file must be a raw 32-byte ed25519 seed")
	ErrBadPublicKey  = errors.New("crypto: malformed public key")
)

// SeedSize is the required private key file length.
const SeedSize = ed25519.SeedSize

// Signer signs canonical envelope bytes with a single Ed25519 key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh key pair. Used by tests and provisioning.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed wraps an existing 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadSeedLength, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadSigner reads a raw 32-byte seed file. Any other length fails.
func LoadSigner(path string) (*Signer, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read private key %s: %w", path, err)
	}
	return NewSignerFromSeed(seed)
}

// Sign returns the 64-byte Ed25519 signature over data. Ed25519 is
// deterministic: the same key and data always yield the same signature.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// Public returns the signer's public key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.pub
}

// PublicKeyPEM returns the public key in PKIX PEM form for distribution to
// the bus trust map.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	return EncodePublicKeyPEM(s.pub)
}

// WriteSeed persists the raw seed with owner-only permissions.
func (s *Signer) WriteSeed(path string) error {
	return os.WriteFile(path, s.priv.Seed(), 0o600)
}

// Verify reports whether sig is a valid signature over data by pub. It never
// panics: malformed signatures, wrong keys, and tampered data all return
// false.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncodePublicKeyPEM encodes an Ed25519 public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key and requires Ed25519.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrBadPublicKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrBadPublicKey)
	}
	return edPub, nil
}

// LoadPublicKeyPEM reads and parses a PKIX PEM public key file.
func LoadPublicKeyPEM(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read public key %s: %w", path, err)
	}
	return ParsePublicKeyPEM(data)
}
