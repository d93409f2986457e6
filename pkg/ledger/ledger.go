// Package ledger is the persisted chain seen by consensus: a block store
// plus the fixed validator committee that signs it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/consensus/validators"
	"github.com/r3e-network/neo-dbft/pkg/storage/boltdb"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// BlockStore is the storage the ledger appends to. *boltdb.Store implements it.
type BlockStore interface {
	Tip(ctx context.Context) (boltdb.Tip, error)
	PutBlock(ctx context.Context, b *block.Block) error
	GetBlock(ctx context.Context, height uint32) (*block.Block, error)
}

// PersistHook is called after a block has been stored.
type PersistHook func(ctx context.Context, b *block.Block)

// Config holds the committee and genesis parameters.
type Config struct {
	Validators       [][]byte
	GenesisTimestamp uint64 // unix milliseconds
}

// Ledger caches the tip of a BlockStore and validates that every persisted
// block extends it.
type Ledger struct {
	store      BlockStore
	validators [][]byte
	audit      types.AuditLogger
	logger     *utils.Logger

	tip   boltdb.Tip
	hooks []PersistHook
	retry *utils.RetryConfig
	mu    sync.RWMutex
}

// storeRetry retries transient write failures. Blocks that do not extend
// the stored tip and cancelled contexts are final.
func storeRetry() *utils.RetryConfig {
	return &utils.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Jitter:       0.2,
		RetryableFunc: func(err error) bool {
			return !errors.Is(err, boltdb.ErrNonContiguous) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		},
	}
}

// Open loads the tip of store, writing a genesis block when the store is empty.
func Open(ctx context.Context, store BlockStore, cfg Config, audit types.AuditLogger, logger *utils.Logger) (*Ledger, error) {
	if store == nil {
		return nil, utils.NewValidationError("ledger: store is required")
	}
	vs, err := validators.New(cfg.Validators)
	if err != nil {
		return nil, fmt.Errorf("ledger: validators: %w", err)
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	l := &Ledger{
		store:      store,
		validators: vs.Keys(),
		audit:      audit,
		logger:     logger,
		retry:      storeRetry(),
	}

	tip, err := store.Tip(ctx)
	switch {
	case errors.Is(err, boltdb.ErrNotFound):
		genesis := Genesis(vs, cfg.GenesisTimestamp)
		if err := store.PutBlock(ctx, genesis); err != nil {
			return nil, fmt.Errorf("ledger: write genesis: %w", err)
		}
		tip = boltdb.Tip{Height: 0, Hash: genesis.Hash(), Timestamp: genesis.Header.Timestamp}
		logger.Info("genesis block created",
			utils.ZapString("hash", tip.Hash.String()),
			utils.ZapInt("validators", vs.Count()),
		)
	case err != nil:
		return nil, fmt.Errorf("ledger: read tip: %w", err)
	}
	l.tip = tip
	return l, nil
}

// Genesis returns the deterministic block 0 of a committee.
func Genesis(vs *validators.ValidatorSet, timestamp uint64) *block.Block {
	return &block.Block{
		Header: block.Header{
			Timestamp:     timestamp,
			NextConsensus: vs.Hash(),
		},
	}
}

// OnPersist registers a hook run after every stored block.
func (l *Ledger) OnPersist(hook PersistHook) {
	l.mu.Lock()
	l.hooks = append(l.hooks, hook)
	l.mu.Unlock()
}

func (l *Ledger) CurrentHeight() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip.Height
}

func (l *Ledger) CurrentHash() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip.Hash
}

func (l *Ledger) CurrentTimestamp() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip.Timestamp
}

// DesignatedValidators returns the committee for height. The committee is
// fixed for the life of the chain.
func (l *Ledger) DesignatedValidators(height uint32) ([][]byte, error) {
	out := make([][]byte, len(l.validators))
	for i, k := range l.validators {
		out[i] = append([]byte(nil), k...)
	}
	return out, nil
}

// PersistBlock stores b if it extends the tip. Persisting the tip again is
// a no-op so a block seen from both consensus and sync is not an error.
func (l *Ledger) PersistBlock(ctx context.Context, b *block.Block) error {
	if b == nil {
		return utils.NewValidationError("ledger: nil block")
	}
	l.mu.Lock()
	if b.Index() == l.tip.Height && b.Hash() == l.tip.Hash {
		l.mu.Unlock()
		return nil
	}
	if b.Index() != l.tip.Height+1 || b.Header.PrevHash != l.tip.Hash {
		l.mu.Unlock()
		if l.audit != nil {
			l.audit.Security("ledger_block_rejected", map[string]interface{}{
				"height":   b.Index(),
				"tip":      l.CurrentHeight(),
				"prev":     b.Header.PrevHash.Short(),
				"tip_hash": l.CurrentHash().Short(),
			})
		}
		return utils.NewErrorf(utils.CodeInvalidInput, "ledger: block %d does not extend tip", b.Index())
	}
	if len(b.Signatures) < validators.Quorum(len(l.validators)) {
		l.mu.Unlock()
		return utils.NewErrorf(utils.CodeInvalidInput, "ledger: block %d carries %d signatures", b.Index(), len(b.Signatures))
	}
	err := utils.RetryContext(ctx, l.retry, func() error {
		return l.store.PutBlock(ctx, b)
	})
	if err != nil {
		l.mu.Unlock()
		return utils.WrapErrorf(err, utils.CodePersistFailed, "ledger: store block %d", b.Index())
	}
	l.tip = boltdb.Tip{Height: b.Index(), Hash: b.Hash(), Timestamp: b.Header.Timestamp}
	hooks := append([]PersistHook(nil), l.hooks...)
	l.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, b)
	}
	return nil
}

// GetBlock returns a stored block.
func (l *Ledger) GetBlock(ctx context.Context, height uint32) (*block.Block, error) {
	return l.store.GetBlock(ctx, height)
}
