package crypto

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func TestSignVerify(t *testing.T) {
	seed := strings.Repeat("01", 32)
	s, err := NewSignerFromHex(seed)
	if err != nil {
		t.Fatalf("NewSignerFromHex: %v", err)
	}
	digest := types.Hash256([]byte("block"))
	sig, err := s.Sign(context.Background(), digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	v := Ed25519Verifier{}
	if !v.Verify(s.PublicKey(), digest, sig) {
		t.Fatal("signature did not verify")
	}
	if v.Verify(s.PublicKey(), types.Hash256([]byte("other")), sig) {
		t.Fatal("signature verified for a different digest")
	}
	if s.SignCount() != 1 {
		t.Fatalf("sign count %d want 1", s.SignCount())
	}
}

func TestSignAfterCloseAndCanceled(t *testing.T) {
	s, err := NewSignerFromHex(strings.Repeat("02", 32))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Sign(ctx, types.ZeroHash); !errors.Is(err, ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", err)
	}
	_ = s.Close()
	if _, err := s.Sign(context.Background(), types.ZeroHash); !errors.Is(err, ErrSignerClosed) {
		t.Fatalf("expected ErrSignerClosed, got %v", err)
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	generated, err := GenerateKeyFile(path)
	if err != nil {
		t.Fatalf("GenerateKeyFile: %v", err)
	}
	loaded, err := LoadSignerFromFile(path)
	if err != nil {
		t.Fatalf("LoadSignerFromFile: %v", err)
	}
	if hex.EncodeToString(generated.PublicKey()) != hex.EncodeToString(loaded.PublicKey()) {
		t.Fatal("loaded key differs from generated key")
	}
}

func TestParsePublicKeys(t *testing.T) {
	if _, err := ParsePublicKeys([]string{"abcd"}); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
	keys, err := ParsePublicKeys([]string{strings.Repeat("aa", 32), " " + strings.Repeat("bb", 32)})
	if err != nil {
		t.Fatalf("ParsePublicKeys: %v", err)
	}
	if len(keys) != 2 || keys[1][0] != 0xbb {
		t.Fatalf("unexpected keys %x", keys)
	}
}
