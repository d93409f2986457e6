package validators

import (
	"errors"
	"fmt"
	"testing"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func testKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("validator-key-%02d", i))
	}
	return keys
}

func TestQuorumMath(t *testing.T) {
	cases := []struct {
		n, f, m int
	}{
		{1, 0, 1},
		{4, 1, 3},
		{5, 1, 4},
		{7, 2, 5},
		{10, 3, 7},
		{21, 6, 15},
	}
	for _, tc := range cases {
		vs, err := New(testKeys(tc.n))
		if err != nil {
			t.Fatalf("n=%d: %v", tc.n, err)
		}
		if vs.F() != tc.f || vs.M() != tc.m {
			t.Fatalf("n=%d: got f=%d m=%d, want f=%d m=%d", tc.n, vs.F(), vs.M(), tc.f, tc.m)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrEmptySet) {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
	keys := testKeys(3)
	keys[2] = keys[0]
	if _, err := New(keys); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := New([][]byte{{}}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestPrimaryIndexRotates(t *testing.T) {
	vs, _ := New(testKeys(7))
	if got := vs.PrimaryIndex(10, 0); got != 3 {
		t.Fatalf("primary(10,0)=%d want 3", got)
	}
	if got := vs.PrimaryIndex(10, 1); got != 2 {
		t.Fatalf("primary(10,1)=%d want 2", got)
	}
	// view larger than height wraps around instead of going negative
	if got := vs.PrimaryIndex(1, 3); got != 5 {
		t.Fatalf("primary(1,3)=%d want 5", got)
	}
}

func TestIndexOf(t *testing.T) {
	keys := testKeys(4)
	vs, _ := New(keys)
	if got := vs.IndexOf(keys[2]); got != 2 {
		t.Fatalf("IndexOf=%d want 2", got)
	}
	if got := vs.IndexOf([]byte("stranger")); got != types.WatchOnlyIndex {
		t.Fatalf("IndexOf(stranger)=%d want watch-only", got)
	}
	if _, err := vs.PublicKey(4); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestKeysAreCopied(t *testing.T) {
	keys := testKeys(4)
	vs, _ := New(keys)
	keys[0][0] = 'X'
	pk, _ := vs.PublicKey(0)
	if pk[0] == 'X' {
		t.Fatal("validator set shares memory with caller input")
	}
	other, _ := New(testKeys(4))
	if !vs.Equal(other) || vs.Hash() != other.Hash() {
		t.Fatal("sets with identical keys should be equal")
	}
}
