package messages

import (
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// SignedMessage is a ConsensusMessage bound to (height, view, sender) and
// signed by the sender. The signature covers Digest() only.
type SignedMessage struct {
	Height    uint32
	View      types.ViewNumber
	Validator types.ValidatorIndex
	Message   ConsensusMessage
	Signature []byte
}

// Kind returns the discriminant of the carried message.
func (sm *SignedMessage) Kind() Kind {
	if sm == nil || sm.Message == nil {
		return Kind(0xff)
	}
	return sm.Message.Kind()
}

// UnsignedBytes returns kind||canonical CBOR of (height, view, validator, body).
func (sm *SignedMessage) UnsignedBytes() ([]byte, error) {
	return marshalEnvelope(sm, false)
}

// Digest recomputes the signed hash SHA256(SHA256(domain||0x00||unsigned)).
// It never reads Signature. A message whose body cannot be encoded yields
// the zero hash, which Verify rejects.
func (sm *SignedMessage) Digest() types.Hash {
	unsigned, err := sm.UnsignedBytes()
	if err != nil {
		return types.ZeroHash
	}
	buf := make([]byte, 0, len(types.DomainConsensusMessage)+1+len(unsigned))
	buf = append(buf, types.DomainConsensusMessage...)
	buf = append(buf, 0x00)
	buf = append(buf, unsigned...)
	return types.Hash256(buf)
}

// Verify checks Signature against the recomputed digest.
func (sm *SignedMessage) Verify(publicKey []byte, verifier types.Verifier) bool {
	if sm == nil || len(sm.Signature) == 0 || verifier == nil {
		return false
	}
	digest := sm.Digest()
	if digest.IsZero() {
		return false
	}
	return verifier.Verify(publicKey, digest, sm.Signature)
}

// Validate checks the envelope and the carried message.
func (sm *SignedMessage) Validate() error {
	if sm.Message == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	if sm.Validator < 0 || int(sm.Validator) >= MaxRecoveryEntries {
		return fmt.Errorf("%w: validator index %d", ErrInvalidMessage, sm.Validator)
	}
	if len(sm.Signature) > MaxSignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrInvalidMessage, len(sm.Signature))
	}
	switch m := sm.Message.(type) {
	case *ChangeView:
		if m.NewViewNumber <= sm.View {
			return fmt.Errorf("%w: change view to %d from view %d", ErrInvalidMessage, m.NewViewNumber, sm.View)
		}
	case *PrepareRequest:
		if m.Height != sm.Height {
			return fmt.Errorf("%w: proposal height %d in envelope of height %d", ErrInvalidMessage, m.Height, sm.Height)
		}
	}
	return sm.Message.Validate()
}

// Typed accessors used wherever a slot is resolved back to its variant.

func AsPrepareRequest(sm *SignedMessage) (*PrepareRequest, bool) {
	if sm == nil {
		return nil, false
	}
	m, ok := sm.Message.(*PrepareRequest)
	return m, ok
}

func AsPrepareResponse(sm *SignedMessage) (*PrepareResponse, bool) {
	if sm == nil {
		return nil, false
	}
	m, ok := sm.Message.(*PrepareResponse)
	return m, ok
}

func AsCommit(sm *SignedMessage) (*Commit, bool) {
	if sm == nil {
		return nil, false
	}
	m, ok := sm.Message.(*Commit)
	return m, ok
}

func AsChangeView(sm *SignedMessage) (*ChangeView, bool) {
	if sm == nil {
		return nil, false
	}
	m, ok := sm.Message.(*ChangeView)
	return m, ok
}

func AsRecoveryMessage(sm *SignedMessage) (*RecoveryMessage, bool) {
	if sm == nil {
		return nil, false
	}
	m, ok := sm.Message.(*RecoveryMessage)
	return m, ok
}
