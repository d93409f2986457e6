// Package messages defines the dBFT consensus messages, the signed envelope
// that carries them and their canonical encoding.
package messages

import (
	"errors"
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Kind is the 1-byte discriminant that prefixes every encoded message and
// selects its decode branch.
type Kind uint8

const (
	KindChangeView      Kind = 0x00
	KindPrepareRequest  Kind = 0x20
	KindPrepareResponse Kind = 0x21
	KindCommit          Kind = 0x30
	KindRecoveryRequest Kind = 0x40
	KindRecoveryMessage Kind = 0x41
)

func (k Kind) String() string {
	switch k {
	case KindChangeView:
		return "ChangeView"
	case KindPrepareRequest:
		return "PrepareRequest"
	case KindPrepareResponse:
		return "PrepareResponse"
	case KindCommit:
		return "Commit"
	case KindRecoveryRequest:
		return "RecoveryRequest"
	case KindRecoveryMessage:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// Message limits
const (
	MaxTransactionHashes = 0xffff
	MaxRecoveryEntries   = 255
	MaxSignatureSize     = 128
)

var ErrInvalidMessage = errors.New("messages: invalid message")

// ConsensusMessage is the closed set of protocol messages. Every consumer
// switches exhaustively over the concrete types below.
type ConsensusMessage interface {
	Kind() Kind
	Validate() error
	consensusMessage()
}

// PrepareRequest is the primary's block proposal for (height, view).
type PrepareRequest struct {
	Version           uint32       `cbor:"1,keyasint"`
	PrevHash          types.Hash   `cbor:"2,keyasint"`
	Height            uint32       `cbor:"3,keyasint"`
	Timestamp         uint64       `cbor:"4,keyasint"`
	Nonce             uint64       `cbor:"5,keyasint"`
	TransactionHashes []types.Hash `cbor:"6,keyasint"`
	ProposalHash      types.Hash   `cbor:"7,keyasint"`
}

// PrepareResponse is a backup's acceptance of the proposal.
type PrepareResponse struct {
	ProposalHash types.Hash `cbor:"1,keyasint"`
}

// Commit carries the sender's signature over the proposal hash; m of them
// form the block witness.
type Commit struct {
	ProposalHash   types.Hash `cbor:"1,keyasint"`
	BlockSignature []byte     `cbor:"2,keyasint"`
}

// ChangeView asks to abandon the current view for NewViewNumber.
type ChangeView struct {
	NewViewNumber types.ViewNumber       `cbor:"1,keyasint"`
	Timestamp     uint64                 `cbor:"2,keyasint"`
	Reason        types.ChangeViewReason `cbor:"3,keyasint"`
}

// RecoveryRequest asks peers to resend what they know about the round.
type RecoveryRequest struct {
	Timestamp uint64 `cbor:"1,keyasint"`
}

// RecoveryMessage bundles encoded SignedMessages from the responder's slots.
type RecoveryMessage struct {
	ChangeViews    [][]byte `cbor:"1,keyasint,omitempty"`
	PrepareRequest []byte   `cbor:"2,keyasint,omitempty"`
	Preparations   [][]byte `cbor:"3,keyasint,omitempty"`
	Commits        [][]byte `cbor:"4,keyasint,omitempty"`
}

func (*PrepareRequest) Kind() Kind  { return KindPrepareRequest }
func (*PrepareResponse) Kind() Kind { return KindPrepareResponse }
func (*Commit) Kind() Kind          { return KindCommit }
func (*ChangeView) Kind() Kind      { return KindChangeView }
func (*RecoveryRequest) Kind() Kind { return KindRecoveryRequest }
func (*RecoveryMessage) Kind() Kind { return KindRecoveryMessage }

func (*PrepareRequest) consensusMessage()  {}
func (*PrepareResponse) consensusMessage() {}
func (*Commit) consensusMessage()          {}
func (*ChangeView) consensusMessage()      {}
func (*RecoveryRequest) consensusMessage() {}
func (*RecoveryMessage) consensusMessage() {}

// Validate checks hash count and uniqueness.
func (m *PrepareRequest) Validate() error {
	if len(m.TransactionHashes) > MaxTransactionHashes {
		return fmt.Errorf("%w: %d transaction hashes", ErrInvalidMessage, len(m.TransactionHashes))
	}
	seen := make(map[types.Hash]struct{}, len(m.TransactionHashes))
	for _, h := range m.TransactionHashes {
		if _, dup := seen[h]; dup {
			return fmt.Errorf("%w: duplicate transaction %s", ErrInvalidMessage, h.Short())
		}
		seen[h] = struct{}{}
	}
	if m.ProposalHash.IsZero() {
		return fmt.Errorf("%w: empty proposal hash", ErrInvalidMessage)
	}
	return nil
}

func (m *PrepareResponse) Validate() error {
	if m.ProposalHash.IsZero() {
		return fmt.Errorf("%w: empty proposal hash", ErrInvalidMessage)
	}
	return nil
}

func (m *Commit) Validate() error {
	if m.ProposalHash.IsZero() {
		return fmt.Errorf("%w: empty proposal hash", ErrInvalidMessage)
	}
	if len(m.BlockSignature) == 0 || len(m.BlockSignature) > MaxSignatureSize {
		return fmt.Errorf("%w: block signature length %d", ErrInvalidMessage, len(m.BlockSignature))
	}
	return nil
}

func (m *ChangeView) Validate() error {
	if !m.Reason.Valid() {
		return fmt.Errorf("%w: change view reason %d", ErrInvalidMessage, m.Reason)
	}
	return nil
}

func (m *RecoveryRequest) Validate() error { return nil }

func (m *RecoveryMessage) Validate() error {
	if len(m.ChangeViews) > MaxRecoveryEntries || len(m.Preparations) > MaxRecoveryEntries ||
		len(m.Commits) > MaxRecoveryEntries {
		return fmt.Errorf("%w: too many recovery entries", ErrInvalidMessage)
	}
	return nil
}

// newBody returns an empty message for k, or nil if k is unknown.
func newBody(k Kind) ConsensusMessage {
	switch k {
	case KindChangeView:
		return &ChangeView{}
	case KindPrepareRequest:
		return &PrepareRequest{}
	case KindPrepareResponse:
		return &PrepareResponse{}
	case KindCommit:
		return &Commit{}
	case KindRecoveryRequest:
		return &RecoveryRequest{}
	case KindRecoveryMessage:
		return &RecoveryMessage{}
	default:
		return nil
	}
}
