package p2p

import (
	"context"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// TxPool admits gossiped transactions. *mempool.Mempool implements it.
type TxPool interface {
	Add(tx *block.Transaction, now time.Time) error
}

// Topics names the gossip topics of the bridge.
type Topics struct {
	Consensus    string
	Transactions string
}

// AttachConsensusHandlers subscribes the consensus topic to the engine, in
// arrival order, and the transaction topic to the pool. Handler errors for undecodable or
// invalid payloads penalize the sending peer; pool saturation does not.
func AttachConsensusHandlers(r *Router, onMessage func(ctx context.Context, peer string, data []byte) error, pool TxPool, topics Topics) error {
	if err := r.SubscribeOrdered(topics.Consensus, func(ctx context.Context, from peer.ID, data []byte) error {
		return onMessage(ctx, from.String(), data)
	}); err != nil {
		return err
	}
	if pool == nil || topics.Transactions == "" {
		return nil
	}
	return r.Subscribe(topics.Transactions, func(ctx context.Context, from peer.ID, data []byte) error {
		tx, err := block.DecodeTransaction(data)
		if err != nil {
			return err
		}
		err = pool.Add(tx, time.Now())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, mempool.ErrInvalidTx):
			return err
		case errors.Is(err, mempool.ErrDuplicate), errors.Is(err, mempool.ErrExpired):
			return nil
		default:
			// full pool or rate limit: not the peer's fault
			r.log.Debug("transaction not admitted",
				utils.ZapString("peer", from.String()),
				utils.ZapError(err))
			return nil
		}
	})
}
