package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash is a 32-byte double-SHA256 digest (blocks, transactions, messages).
type Hash [32]byte

// ZeroHash is the all-zero hash.
var ZeroHash Hash

// Hash256 returns SHA256(SHA256(data)).
func Hash256(data []byte) Hash {
	first := sha256.Sum256(data)
	return Hash(sha256.Sum256(first[:]))
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns the hex encoding of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// ValidatorIndex is a position in the ordered validator list of the current
// height. WatchOnlyIndex marks a node that never signs.
type ValidatorIndex int

// WatchOnlyIndex is the index of a node outside the validator set.
const WatchOnlyIndex ValidatorIndex = -1

// ViewNumber counts proposal attempts at one height, starting at 0.
type ViewNumber uint32

// ChangeViewReason explains why a validator asked for a new view.
type ChangeViewReason uint8

const (
	ReasonTimeout               ChangeViewReason = 0x00
	ReasonChangeAgreement       ChangeViewReason = 0x01
	ReasonTxNotFound            ChangeViewReason = 0x02
	ReasonTxRejectedByPolicy    ChangeViewReason = 0x03
	ReasonTxInvalid             ChangeViewReason = 0x04
	ReasonBlockRejectedByPolicy ChangeViewReason = 0x05
)

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return "Unknown"
	}
}

// Valid reports whether r is a known reason.
func (r ChangeViewReason) Valid() bool {
	return r <= ReasonBlockRejectedByPolicy
}

// Domain separators for signed digests
const (
	DomainConsensusMessage = "DBFT_CONSENSUS_MESSAGE_V1"
	DomainBlockHeader      = "DBFT_BLOCK_HEADER_V1"
	DomainTransaction      = "DBFT_TRANSACTION_V1"
)
