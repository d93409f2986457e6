package block

import (
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// EncodeTransaction returns the gossip and storage form of tx.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidTransaction)
	}
	return utils.CBORMarshal(tx)
}

// DecodeTransaction parses and validates a transaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := utils.CBORUnmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// EncodeBlock returns the storage form of b.
func EncodeBlock(b *Block) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("encode block: nil")
	}
	return utils.CBORMarshal(b)
}

// DecodeBlock parses a stored block. The merkle root is checked against
// the transactions so a corrupted record is not served.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := utils.CBORUnmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	hashes := make([]types.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		if tx == nil {
			return nil, fmt.Errorf("decode block %d: nil transaction at %d", b.Index(), i)
		}
		hashes[i] = tx.Hash()
	}
	if MerkleRoot(hashes) != b.Header.MerkleRoot {
		return nil, fmt.Errorf("decode block %d: merkle root mismatch", b.Index())
	}
	return &b, nil
}
