// Package validators holds the ordered committee of one block height and
// the quorum arithmetic derived from its size.
package validators

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

var (
	ErrEmptySet          = errors.New("validators: empty validator set")
	ErrDuplicateKey      = errors.New("validators: duplicate public key")
	ErrInvalidKey        = errors.New("validators: invalid public key")
	ErrIndexOutOfRange   = errors.New("validators: index out of range")
	ErrTooManyValidators = errors.New("validators: too many validators")
)

// MaxValidators bounds the committee so an index fits in one byte.
const MaxValidators = 255

// ValidatorSet is the immutable, ordered list of validator public keys for a
// height. The position of a key is its ValidatorIndex.
type ValidatorSet struct {
	keys  [][]byte
	index map[string]types.ValidatorIndex
}

// New copies keys into a ValidatorSet. Order is preserved.
func New(keys [][]byte) (*ValidatorSet, error) {
	if len(keys) == 0 {
		return nil, ErrEmptySet
	}
	if len(keys) > MaxValidators {
		return nil, fmt.Errorf("%w: %d", ErrTooManyValidators, len(keys))
	}

	vs := &ValidatorSet{
		keys:  make([][]byte, len(keys)),
		index: make(map[string]types.ValidatorIndex, len(keys)),
	}
	for i, k := range keys {
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: index %d", ErrInvalidKey, i)
		}
		id := string(k)
		if _, dup := vs.index[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, hex.EncodeToString(k))
		}
		vs.keys[i] = bytes.Clone(k)
		vs.index[id] = types.ValidatorIndex(i)
	}
	return vs, nil
}

// Count returns n.
func (vs *ValidatorSet) Count() int { return len(vs.keys) }

// F returns the number of tolerated faulty validators, (n-1)/3.
func (vs *ValidatorSet) F() int { return calculateF(len(vs.keys)) }

// M returns the quorum threshold n - f.
func (vs *ValidatorSet) M() int { return calculateQuorum(len(vs.keys)) }

// Contains reports whether i is a valid index.
func (vs *ValidatorSet) Contains(i types.ValidatorIndex) bool {
	return i >= 0 && int(i) < len(vs.keys)
}

// PublicKey returns the key at index i.
func (vs *ValidatorSet) PublicKey(i types.ValidatorIndex) ([]byte, error) {
	if !vs.Contains(i) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(vs.keys))
	}
	return vs.keys[i], nil
}

// IndexOf returns the index of key or WatchOnlyIndex if it is not a member.
func (vs *ValidatorSet) IndexOf(key []byte) types.ValidatorIndex {
	if i, ok := vs.index[string(key)]; ok {
		return i
	}
	return types.WatchOnlyIndex
}

// Keys returns a copy of the ordered key list.
func (vs *ValidatorSet) Keys() [][]byte {
	out := make([][]byte, len(vs.keys))
	for i, k := range vs.keys {
		out[i] = bytes.Clone(k)
	}
	return out
}

// PrimaryIndex selects the proposer of (height, view): (height - view) mod n.
func (vs *ValidatorSet) PrimaryIndex(height uint32, view types.ViewNumber) types.ValidatorIndex {
	n := int64(len(vs.keys))
	p := (int64(height) - int64(view)) % n
	if p < 0 {
		p += n
	}
	return types.ValidatorIndex(p)
}

// Hash commits to the ordered key list; it is the NextConsensus value of a
// block produced by this committee.
func (vs *ValidatorSet) Hash() types.Hash {
	var buf bytes.Buffer
	for _, k := range vs.keys {
		buf.WriteByte(byte(len(k)))
		buf.Write(k)
	}
	return types.Hash256(buf.Bytes())
}

// Equal reports whether both sets hold the same keys in the same order.
func (vs *ValidatorSet) Equal(other *ValidatorSet) bool {
	if other == nil || len(vs.keys) != len(other.keys) {
		return false
	}
	for i := range vs.keys {
		if !bytes.Equal(vs.keys[i], other.keys[i]) {
			return false
		}
	}
	return true
}

// QuorumStats summarizes the quorum arithmetic of a set.
type QuorumStats struct {
	TotalValidators    int
	ByzantineTolerance int
	QuorumThreshold    int
}

// Stats returns the current quorum statistics.
func (vs *ValidatorSet) Stats() QuorumStats {
	return QuorumStats{
		TotalValidators:    len(vs.keys),
		ByzantineTolerance: vs.F(),
		QuorumThreshold:    vs.M(),
	}
}

func calculateF(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

func calculateQuorum(n int) int {
	return n - calculateF(n)
}

// Quorum returns M = n - f for a committee of n.
func Quorum(n int) int { return calculateQuorum(n) }
