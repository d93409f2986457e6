package block

import (
	"crypto/sha256"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// MerkleRoot computes the root over transaction hashes in proposal order.
// An odd node is paired with itself; an empty list yields the zero hash.
func MerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.ZeroHash
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}
		level = next
	}
	return level[0]
}

func nodeHash(left, right types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	first := sha256.Sum256(buf[:])
	return types.Hash(sha256.Sum256(first[:]))
}
