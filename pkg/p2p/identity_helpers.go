package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func resolveIdentity(cfg *config.P2PConfig, opts RouterOptions) (crypto.PrivKey, peer.ID, error) {
	if opts.PrivKey != nil {
		pid, err := peer.IDFromPrivateKey(opts.PrivKey)
		return opts.PrivKey, pid, err
	}
	if len(cfg.IdentitySeed) >= ed25519.SeedSize {
		return IdentityFromSeed(cfg.IdentitySeed[:ed25519.SeedSize])
	}
	if !opts.AllowRandomIdentity {
		return nil, "", errors.New("no identity seed configured")
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	return priv, pid, err
}

// IdentityFromSeed returns the libp2p ed25519 identity of a 32 byte seed.
func IdentityFromSeed(seed []byte) (crypto.PrivKey, peer.ID, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	libPriv, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(libPriv)
	return libPriv, pid, err
}

// PeerIDFromSeed is IdentityFromSeed without the private key.
func PeerIDFromSeed(seed []byte) (peer.ID, error) {
	_, pid, err := IdentityFromSeed(seed)
	return pid, err
}

// identityDomain is signed by the validator key to derive its network
// identity. Ed25519 signatures are deterministic, so the identity is stable
// and only the key holder can compute it.
var identityDomain = types.Hash(sha256.Sum256([]byte("dbft/p2p-identity/v1")))

// SeedFromSigner derives a 32 byte identity seed from a validator signer.
func SeedFromSigner(ctx context.Context, signer types.Signer) ([]byte, error) {
	if signer == nil {
		return nil, errors.New("nil signer")
	}
	sig, err := signer.Sign(ctx, identityDomain)
	if err != nil {
		return nil, err
	}
	seed := sha256.Sum256(sig)
	return seed[:], nil
}
