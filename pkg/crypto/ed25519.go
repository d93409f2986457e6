// Package crypto provides the ed25519 validator key used to sign consensus
// digests and the matching verifier.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Errors
var (
	ErrInvalidKeySize  = errors.New("crypto: invalid key size")
	ErrContextCanceled = errors.New("crypto: operation canceled")
	ErrSignerClosed    = errors.New("crypto: signer closed")
)

// Ed25519Signer holds one validator private key.
type Ed25519Signer struct {
	mu        sync.RWMutex
	key       ed25519.PrivateKey
	pub       ed25519.PublicKey
	signCount uint64
}

// NewEd25519Signer wraps a 64-byte private key.
func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, key)
	return &Ed25519Signer{
		key: priv,
		pub: priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewSignerFromSeed derives the key from a 32-byte seed.
func NewSignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKeySize, ed25519.SeedSize, len(seed))
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed))
}

// NewSignerFromHex parses a hex encoded seed or private key.
func NewSignerFromHex(s string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	defer zeroKey(raw)
	switch len(raw) {
	case ed25519.SeedSize:
		return NewSignerFromSeed(raw)
	case ed25519.PrivateKeySize:
		return NewEd25519Signer(raw)
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(raw))
	}
}

// LoadSignerFromFile reads a hex key file written by GenerateKeyFile.
func LoadSignerFromFile(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	defer zeroKey(data)
	return NewSignerFromHex(string(data))
}

// GenerateKeyFile creates a new seed at path (mode 0600) and returns its signer.
func GenerateKeyFile(path string) (*Ed25519Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: generate seed: %w", err)
	}
	defer zeroKey(seed)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write key file: %w", err)
	}
	return NewSignerFromSeed(seed)
}

// Sign signs the digest bytes.
func (s *Ed25519Signer) Sign(ctx context.Context, digest types.Hash) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ErrContextCanceled
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrSignerClosed
	}
	atomic.AddUint64(&s.signCount, 1)
	return ed25519.Sign(s.key, digest[:]), nil
}

// PublicKey returns the 32-byte public key.
func (s *Ed25519Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// SignCount returns the number of signatures produced.
func (s *Ed25519Signer) SignCount() uint64 {
	return atomic.LoadUint64(&s.signCount)
}

// Close wipes the private key.
func (s *Ed25519Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zeroKey(s.key)
	s.key = nil
	return nil
}

// Ed25519Verifier verifies ed25519 signatures over digests.
type Ed25519Verifier struct{}

// Verify implements types.Verifier.
func (Ed25519Verifier) Verify(publicKey []byte, digest types.Hash, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, digest[:], signature)
}

// ParsePublicKeys decodes hex encoded validator public keys.
func ParsePublicKeys(hexKeys []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(hexKeys))
	for i, h := range hexKeys {
		k, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("crypto: validator key %d: %w", i, err)
		}
		if len(k) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: validator key %d has %d bytes", ErrInvalidKeySize, i, len(k))
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
