package round

import (
	"context"
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// savedRound is the persisted form of a Context. Slots are stored as
// encoded SignedMessages; an empty entry is an empty slot.
type savedRound struct {
	Height            uint32               `cbor:"1,keyasint"`
	View              types.ViewNumber     `cbor:"2,keyasint"`
	PrevHash          types.Hash           `cbor:"3,keyasint"`
	Timestamp         uint64               `cbor:"4,keyasint"`
	Nonce             uint64               `cbor:"5,keyasint"`
	TransactionHashes []types.Hash         `cbor:"6,keyasint,omitempty"`
	Transactions      []*block.Transaction `cbor:"7,keyasint,omitempty"`
	Preparations      [][]byte             `cbor:"8,keyasint"`
	Commits           [][]byte             `cbor:"9,keyasint"`
	ChangeViews       [][]byte             `cbor:"10,keyasint"`
	LastChangeViews   [][]byte             `cbor:"11,keyasint"`
	HasProposal       bool                 `cbor:"12,keyasint"`
}

// Save persists the round so a restarted node does not sign a conflicting
// message. Saving the same state twice writes the same bytes.
func (c *Context) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	data, err := c.encode()
	if err != nil {
		return err
	}
	if err := c.store.SaveRound(ctx, c.Height, data); err != nil {
		return utils.WrapError(err, utils.CodePersistFailed, "save round state")
	}
	return nil
}

// Load restores a saved round for the current height. It reports false when
// nothing was saved or the saved round belongs to another height or chain.
// ResetHeight must have been called first.
func (c *Context) Load(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	if c.Validators == nil {
		return false, ErrValidatorsMissing
	}
	data, err := c.store.LoadRound(ctx)
	if err != nil {
		return false, utils.WrapError(err, utils.CodeDataCorrupted, "load round state")
	}
	if len(data) == 0 {
		return false, nil
	}
	var saved savedRound
	if err := utils.CBORUnmarshal(data, &saved); err != nil {
		return false, utils.WrapError(err, utils.CodeDataCorrupted, "decode round state")
	}
	if saved.Height != c.Height || saved.PrevHash != c.PrevHash {
		return false, nil
	}
	n := c.N()
	if len(saved.Preparations) != n || len(saved.Commits) != n ||
		len(saved.ChangeViews) != n || len(saved.LastChangeViews) != n {
		return false, nil
	}

	preparations, err := decodeSlots(saved.Preparations)
	if err != nil {
		return false, err
	}
	commits, err := decodeSlots(saved.Commits)
	if err != nil {
		return false, err
	}
	changeViews, err := decodeSlots(saved.ChangeViews)
	if err != nil {
		return false, err
	}
	lastChangeViews, err := decodeSlots(saved.LastChangeViews)
	if err != nil {
		return false, err
	}

	c.resetView(saved.View)
	if saved.HasProposal {
		c.setProposal(saved.Timestamp, saved.Nonce, saved.TransactionHashes)
		for _, tx := range saved.Transactions {
			c.AddTransaction(tx)
		}
	}
	c.PreparationPayloads = preparations
	c.CommitPayloads = commits
	c.ChangeViewPayloads = changeViews
	c.LastChangeViewPayloads = lastChangeViews
	return true, nil
}

func (c *Context) encode() ([]byte, error) {
	saved := savedRound{
		Height:            c.Height,
		View:              c.ViewNumber,
		PrevHash:          c.PrevHash,
		Timestamp:         c.Timestamp,
		Nonce:             c.Nonce,
		TransactionHashes: c.TransactionHashes,
		Transactions:      c.OrderedTransactions(),
		HasProposal:       c.TransactionHashes != nil,
	}
	var err error
	if saved.Preparations, err = encodeAll(c.PreparationPayloads); err != nil {
		return nil, err
	}
	if saved.Commits, err = encodeAll(c.CommitPayloads); err != nil {
		return nil, err
	}
	if saved.ChangeViews, err = encodeAll(c.ChangeViewPayloads); err != nil {
		return nil, err
	}
	if saved.LastChangeViews, err = encodeAll(c.LastChangeViewPayloads); err != nil {
		return nil, err
	}
	data, err := utils.CBORMarshal(&saved)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternal, "encode round state")
	}
	return data, nil
}

// encodeAll keeps positions: an empty slot becomes an empty entry.
func encodeAll(slots []*messages.SignedMessage) ([][]byte, error) {
	out := make([][]byte, len(slots))
	for i, sm := range slots {
		if sm == nil {
			out[i] = []byte{}
			continue
		}
		data, err := messages.Encode(sm)
		if err != nil {
			return nil, fmt.Errorf("encode slot %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

func decodeSlots(entries [][]byte) ([]*messages.SignedMessage, error) {
	out := make([]*messages.SignedMessage, len(entries))
	for i, data := range entries {
		if len(data) == 0 {
			continue
		}
		sm, err := messages.Decode(data)
		if err != nil {
			return nil, utils.WrapErrorf(err, utils.CodeDataCorrupted, "decode slot %d", i)
		}
		out[i] = sm
	}
	return out, nil
}
