package block

import (
	"encoding/binary"
	"errors"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Size constants used for block size estimation
const (
	HeaderSize         = 4 + 32 + 32 + 8 + 8 + 4 + 1 + 32
	SignatureSize      = 64
	PublicKeySize      = 32
	MaxScriptSize      = 64 * 1024
	MaxTransactionSize = 102400
)

var ErrInvalidTransaction = errors.New("block: invalid transaction")

// Transaction is the unit of work carried in a block. Only the fields the
// consensus layer needs for policy evaluation are interpreted.
type Transaction struct {
	Version         uint8  `cbor:"1,keyasint"`
	Nonce           uint32 `cbor:"2,keyasint"`
	Sender          []byte `cbor:"3,keyasint"`
	SystemFee       int64  `cbor:"4,keyasint"`
	NetworkFee      int64  `cbor:"5,keyasint"`
	ValidUntilBlock uint32 `cbor:"6,keyasint"`
	Script          []byte `cbor:"7,keyasint"`
}

// Bytes returns the canonical binary form of the transaction.
// Layout: domain||0x00||version(1)||nonce(4)||sys_fee(8)||net_fee(8)||valid_until(4)||len(sender)(2)||sender||len(script)(4)||script
func (tx *Transaction) Bytes() []byte {
	buf := make([]byte, 0, len(types.DomainTransaction)+1+1+4+8+8+4+2+len(tx.Sender)+4+len(tx.Script))
	buf = append(buf, types.DomainTransaction...)
	buf = append(buf, 0x00)
	buf = append(buf, tx.Version)
	buf = binary.BigEndian.AppendUint32(buf, tx.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.SystemFee))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.NetworkFee))
	buf = binary.BigEndian.AppendUint32(buf, tx.ValidUntilBlock)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(tx.Sender)))
	buf = append(buf, tx.Sender...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Script)))
	buf = append(buf, tx.Script...)
	return buf
}

// Hash returns the transaction id.
func (tx *Transaction) Hash() types.Hash {
	return types.Hash256(tx.Bytes())
}

// Size returns the serialized size in bytes.
func (tx *Transaction) Size() int {
	return len(tx.Bytes()) - len(types.DomainTransaction) - 1
}

// Validate performs stateless checks.
func (tx *Transaction) Validate() error {
	switch {
	case tx.SystemFee < 0 || tx.NetworkFee < 0:
		return errors.Join(ErrInvalidTransaction, errors.New("negative fee"))
	case len(tx.Script) == 0 || len(tx.Script) > MaxScriptSize:
		return errors.Join(ErrInvalidTransaction, errors.New("script size out of range"))
	case len(tx.Sender) > 0xffff:
		return errors.Join(ErrInvalidTransaction, errors.New("sender too long"))
	case tx.Size() > MaxTransactionSize:
		return errors.Join(ErrInvalidTransaction, errors.New("transaction too large"))
	}
	return nil
}

// Header holds the fields covered by the block hash. The hash of a header
// is the proposal hash validators sign in Commit messages.
type Header struct {
	Version       uint32               `cbor:"1,keyasint"`
	PrevHash      types.Hash           `cbor:"2,keyasint"`
	MerkleRoot    types.Hash           `cbor:"3,keyasint"`
	Timestamp     uint64               `cbor:"4,keyasint"` // unix milliseconds
	Nonce         uint64               `cbor:"5,keyasint"`
	Index         uint32               `cbor:"6,keyasint"`
	PrimaryIndex  types.ValidatorIndex `cbor:"7,keyasint"`
	NextConsensus types.Hash           `cbor:"8,keyasint"`
}

// Hash computes the header hash.
// Layout: domain||0x00||version(4)||prev(32)||merkle(32)||ts(8)||nonce(8)||index(4)||primary(1)||next_consensus(32)
func (h Header) Hash() types.Hash {
	buf := make([]byte, 0, len(types.DomainBlockHeader)+1+HeaderSize)
	buf = append(buf, types.DomainBlockHeader...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, h.Index)
	buf = append(buf, byte(h.PrimaryIndex))
	buf = append(buf, h.NextConsensus[:]...)
	return types.Hash256(buf)
}

// CommitSignature is one validator's signature over the header hash.
type CommitSignature struct {
	Validator types.ValidatorIndex `cbor:"1,keyasint"`
	Signature []byte               `cbor:"2,keyasint"`
}

// Block is a header, its transactions and the M-of-N commit witness.
type Block struct {
	Header       Header            `cbor:"1,keyasint"`
	Transactions []*Transaction    `cbor:"2,keyasint"`
	Signatures   []CommitSignature `cbor:"3,keyasint"`
}

// Hash returns the header hash.
func (b *Block) Hash() types.Hash { return b.Header.Hash() }

// Index returns the block height.
func (b *Block) Index() uint32 { return b.Header.Index }

// ExpectedWitnessSize estimates the multi-signature witness of a block
// signed by m of n validators.
func ExpectedWitnessSize(m, n int) int {
	return m*(1+SignatureSize) + n*PublicKeySize + 8
}

// ExpectedSize returns the size of a block holding txs with an m-of-n witness.
func ExpectedSize(txs []*Transaction, m, n int) int {
	size := HeaderSize + 4
	for _, tx := range txs {
		size += tx.Size()
	}
	return size + ExpectedWitnessSize(m, n)
}

// SystemFee sums the system fee of txs.
func SystemFee(txs []*Transaction) int64 {
	var total int64
	for _, tx := range txs {
		total += tx.SystemFee
	}
	return total
}
