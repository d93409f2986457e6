// Package service drives dBFT consensus: it turns inbound signed messages,
// timer ticks and transactions into round state transitions and outbound
// broadcasts.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/round"
	"github.com/r3e-network/neo-dbft/pkg/consensus/timer"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Network multicasts a signed message to all validators. Broadcast must not
// block on slow peers.
type Network interface {
	Broadcast(ctx context.Context, sm *messages.SignedMessage) error
}

// Mempool supplies transactions for proposals.
type Mempool interface {
	RequestTransactions(ctx context.Context, hashes []types.Hash) (map[types.Hash]*block.Transaction, error)
	Top(max int) []*block.Transaction
}

// Ledger is the persisted chain.
type Ledger interface {
	CurrentHeight() uint32
	CurrentHash() types.Hash
	CurrentTimestamp() uint64
	PersistBlock(ctx context.Context, b *block.Block) error
	DesignatedValidators(height uint32) ([][]byte, error)
}

// Policy holds the block limits a proposal is checked against.
type Policy interface {
	MaxBlockSize() int
	MaxBlockSystemFee() int64
	MaxTransactionsPerBlock() int
}

// Timer is the round timer; *timer.Timer implements it.
type Timer interface {
	Change(key timer.Key, delay time.Duration)
	Extend(key timer.Key, by time.Duration) bool
	Stop()
	C() <-chan timer.Key
}

// EventSink receives round outcomes for external consumers.
type EventSink interface {
	BlockCommitted(ctx context.Context, b *block.Block, view types.ViewNumber) error
	ViewChanged(ctx context.Context, height uint32, view types.ViewNumber, reason types.ChangeViewReason) error
}

// Config contains round timing and cache parameters.
type Config struct {
	BlockTime           time.Duration
	MaxBlockTimeDrift   int // proposal timestamps beyond now + drift*BlockTime are rejected
	KnownHashesCapacity int
	KnownHashesTTL      time.Duration
	IgnoreRecoveryLogs  bool
	InboundQueueSize    int
	Verify              *messages.CodecConfig
}

// DefaultConfig returns the defaults of a 15s network.
func DefaultConfig() *Config {
	return &Config{
		BlockTime:           15 * time.Second,
		MaxBlockTimeDrift:   8,
		KnownHashesCapacity: 1000,
		KnownHashesTTL:      10 * time.Minute,
		InboundQueueSize:    1024,
	}
}

// Service owns the round context of this node. All context mutation
// happens under mu; broadcasts and ledger writes happen after mu is
// released, from the effects collected while it was held.
type Service struct {
	config   *Config
	round    *round.Context
	network  Network
	mempool  Mempool
	ledger   Ledger
	policy   Policy
	codec    *messages.Codec
	verifier types.Verifier
	timer    Timer
	events   EventSink
	metrics  types.Metrics
	audit    types.AuditLogger
	logger   types.Logger

	knownHashes *expirable.LRU[types.Hash, struct{}]

	roundStarted   time.Time
	lastBlockTime  time.Time
	lastBlockIndex uint32
	isRecovering   bool
	started        bool
	now            func() time.Time

	inbound   chan *messages.SignedMessage
	txs       chan *block.Transaction
	persisted chan *block.Block

	mu sync.RWMutex
}

// effects are produced under the lock and applied after it is released.
type effects struct {
	broadcast   []*messages.SignedMessage
	commit      *block.Block
	commitView  types.ViewNumber
	fetch       []types.Hash
	fetchKey    timer.Key
	viewChanges []viewChange
}

type viewChange struct {
	height uint32
	view   types.ViewNumber
	reason types.ChangeViewReason
}

func (fx *effects) send(sm *messages.SignedMessage) {
	fx.broadcast = append(fx.broadcast, sm)
}

// NewService creates a consensus service. signer may be nil for a
// watch-only node; store may be nil to disable restart recovery.
func NewService(
	network Network,
	mempool Mempool,
	ledger Ledger,
	policy Policy,
	signer types.Signer,
	verifier types.Verifier,
	store types.RoundStore,
	tmr Timer,
	audit types.AuditLogger,
	logger types.Logger,
	config *Config,
) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if network == nil || mempool == nil || ledger == nil || policy == nil || verifier == nil {
		return nil, utils.NewValidationError("service: network, mempool, ledger, policy and verifier are required")
	}
	if config.BlockTime <= 0 {
		return nil, utils.NewValidationError("service: block time must be positive")
	}
	if tmr == nil {
		tmr = timer.New()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if audit == nil {
		audit = nopAudit{}
	}
	capacity := config.KnownHashesCapacity
	if capacity <= 0 {
		capacity = DefaultConfig().KnownHashesCapacity
	}
	queue := config.InboundQueueSize
	if queue <= 0 {
		queue = DefaultConfig().InboundQueueSize
	}

	return &Service{
		config:      config,
		round:       round.New(signer, store),
		network:     network,
		mempool:     mempool,
		ledger:      ledger,
		policy:      policy,
		codec:       messages.NewCodec(verifier, config.Verify),
		verifier:    verifier,
		timer:       tmr,
		metrics:     types.NoopMetrics{},
		audit:       audit,
		logger:      logger,
		knownHashes: expirable.NewLRU[types.Hash, struct{}](capacity, nil, config.KnownHashesTTL),
		now:         time.Now,
		inbound:     make(chan *messages.SignedMessage, queue),
		txs:         make(chan *block.Transaction, queue),
		persisted:   make(chan *block.Block, 16),
	}, nil
}

// SetMetrics installs a metrics recorder.
func (s *Service) SetMetrics(m types.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetEvents installs an event sink for commits and view changes.
func (s *Service) SetEvents(sink EventSink) { s.events = sink }

// Start begins consensus at the height after the ledger tip. A round saved
// before a restart is resumed when it had already sent a commit.
func (s *Service) Start(ctx context.Context) error {
	fx := &effects{}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.lastBlockTime = s.now()
	s.lastBlockIndex = s.ledger.CurrentHeight()
	err := s.start(ctx, fx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.flush(ctx, fx)
}

func (s *Service) start(ctx context.Context, fx *effects) error {
	if err := s.initializeConsensus(ctx, 0, fx); err != nil {
		return err
	}
	r := s.round
	if !s.config.IgnoreRecoveryLogs {
		loaded, err := r.Load(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding saved round state", "error", err)
		}
		if loaded && r.CommitSent() {
			s.logger.InfoContext(ctx, "resuming committed round",
				"height", r.Height,
				"view", r.ViewNumber,
			)
			fx.send(r.CommitPayloads[r.MyIndex])
			s.armTimer(s.viewTimeout(r.ViewNumber))
			return s.checkCommits(ctx, fx)
		}
		if loaded && r.ViewNumber > 0 && !r.WatchOnly() {
			s.logger.InfoContext(ctx, "resuming saved view",
				"height", r.Height,
				"view", r.ViewNumber,
			)
			s.armTimer(s.viewTimeout(r.ViewNumber))
		}
	}
	if !r.WatchOnly() {
		return s.requestRecovery(ctx, fx)
	}
	return nil
}

// Run processes queued messages, transactions, persisted blocks and timer
// ticks until ctx is cancelled. It is the single owner of the round.
func (s *Service) Run(ctx context.Context) error {
	for {
		var err error
		select {
		case <-ctx.Done():
			s.timer.Stop()
			return ctx.Err()
		case sm := <-s.inbound:
			err = s.HandleMessage(ctx, sm)
		case key := <-s.timer.C():
			err = s.HandleTimer(ctx, key)
		case tx := <-s.txs:
			err = s.HandleTransaction(ctx, tx)
		case b := <-s.persisted:
			err = s.HandlePersistCompleted(ctx, b)
		}
		if err != nil {
			rctx := utils.ContextWithRound(ctx, s.round.Height, uint32(s.round.ViewNumber))
			s.logger.ErrorContext(rctx, "consensus step failed", "error", err)
		}
	}
}

// Deliver queues an inbound message for Run. It reports false when the
// queue is full and the message was dropped.
func (s *Service) Deliver(sm *messages.SignedMessage) bool {
	select {
	case s.inbound <- sm:
		return true
	default:
		return false
	}
}

// DeliverTransaction queues a transaction seen on the network.
func (s *Service) DeliverTransaction(tx *block.Transaction) bool {
	select {
	case s.txs <- tx:
		return true
	default:
		return false
	}
}

// DeliverPersisted queues a block persisted by the ledger from elsewhere,
// for example block sync.
func (s *Service) DeliverPersisted(b *block.Block) bool {
	select {
	case s.persisted <- b:
		return true
	default:
		return false
	}
}

// HandleMessage processes one inbound message. Malformed, stale, duplicate
// and unverifiable messages are dropped without error.
func (s *Service) HandleMessage(ctx context.Context, sm *messages.SignedMessage) error {
	if sm == nil {
		return nil
	}
	fx := &effects{}
	s.mu.Lock()
	err := s.onMessage(ctx, sm, false, fx)
	s.mu.Unlock()
	if ferr := s.flush(ctx, fx); err == nil {
		err = ferr
	}
	return err
}

// HandleTimer acts on a fired round timer.
func (s *Service) HandleTimer(ctx context.Context, key timer.Key) error {
	fx := &effects{}
	s.mu.Lock()
	err := s.onTimer(ctx, key, fx)
	s.mu.Unlock()
	if ferr := s.flush(ctx, fx); err == nil {
		err = ferr
	}
	return err
}

// HandleTransaction offers a transaction that may resolve the proposal.
func (s *Service) HandleTransaction(ctx context.Context, tx *block.Transaction) error {
	if tx == nil {
		return nil
	}
	fx := &effects{}
	s.mu.Lock()
	err := s.onTransaction(ctx, tx, fx)
	s.mu.Unlock()
	if ferr := s.flush(ctx, fx); err == nil {
		err = ferr
	}
	return err
}

// HandlePersistCompleted starts the next height once b is in the ledger.
func (s *Service) HandlePersistCompleted(ctx context.Context, b *block.Block) error {
	if b == nil {
		return nil
	}
	fx := &effects{}
	s.mu.Lock()
	if b.Index() < s.round.Height {
		s.mu.Unlock()
		return nil
	}
	s.logger.InfoContext(ctx, "block persisted",
		"height", b.Index(),
		"hash", b.Hash().Short(),
		"tx_count", len(b.Transactions),
	)
	s.lastBlockTime = s.now()
	s.lastBlockIndex = b.Index()
	err := s.initializeConsensus(ctx, 0, fx)
	s.mu.Unlock()
	if ferr := s.flush(ctx, fx); err == nil {
		err = ferr
	}
	return err
}

// State reports the phase of the current round.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deriveState()
}

// Round returns the current height and view.
func (s *Service) Round() (uint32, types.ViewNumber) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round.Height, s.round.ViewNumber
}

// WatchOnly reports whether this node is outside the current validator set.
func (s *Service) WatchOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round.WatchOnly()
}

func (s *Service) deriveState() State {
	r := s.round
	switch {
	case r.Validators == nil:
		return StateIdle
	case r.BlockSent():
		return StateCommitted
	case r.CommitSent():
		return StateAwaitingCommits
	case r.IsPrimary() && !r.RequestSentOrReceived():
		return StateBuildingProposal
	case !r.RequestSentOrReceived():
		return StateAwaitingProposal
	case r.WatchOnly() && r.CountPreparations() >= r.M():
		return StateAwaitingCommits
	default:
		return StateAwaitingPreparations
	}
}

// flush applies effects collected under the lock. It must be called
// without holding mu.
func (s *Service) flush(ctx context.Context, fx *effects) error {
	for _, sm := range fx.broadcast {
		s.knownHashes.Add(sm.Digest(), struct{}{})
		if err := s.network.Broadcast(ctx, sm); err != nil {
			s.logger.WarnContext(ctx, "broadcast failed",
				"kind", sm.Kind().String(),
				"height", sm.Height,
				"view", sm.View,
				"error", err,
			)
			continue
		}
		s.metrics.MessageSent(sm.Kind().String())
	}

	for _, vc := range fx.viewChanges {
		s.metrics.ViewChanged(vc.height, vc.view, vc.reason)
		if s.events != nil {
			if err := s.events.ViewChanged(ctx, vc.height, vc.view, vc.reason); err != nil {
				s.logger.WarnContext(ctx, "view change event failed", "error", err)
			}
		}
	}

	if fx.commit != nil {
		if err := s.ledger.PersistBlock(ctx, fx.commit); err != nil {
			// the block stays assembled; the timer retries the write
			s.mu.Lock()
			if s.round.BlockSent() && s.round.Height == fx.commit.Index() {
				s.armTimer(s.config.BlockTime)
			}
			s.mu.Unlock()
			return utils.WrapErrorf(err, utils.CodePersistFailed, "persist block %d", fx.commit.Index())
		}
		if s.events != nil {
			if err := s.events.BlockCommitted(ctx, fx.commit, fx.commitView); err != nil {
				s.logger.WarnContext(ctx, "commit event failed", "error", err)
			}
		}
		return s.HandlePersistCompleted(ctx, fx.commit)
	}

	if len(fx.fetch) > 0 {
		found, err := s.mempool.RequestTransactions(ctx, fx.fetch)
		if err != nil {
			s.logger.WarnContext(ctx, "transaction request failed",
				"count", len(fx.fetch),
				"error", err,
			)
			return nil
		}
		if len(found) > 0 {
			return s.addTransactions(ctx, fx.fetchKey, fx.fetch, found)
		}
	}
	return nil
}

// addTransactions feeds fetched transactions into the round they were
// requested for, in proposal order.
func (s *Service) addTransactions(ctx context.Context, key timer.Key, order []types.Hash, found map[types.Hash]*block.Transaction) error {
	fx := &effects{}
	s.mu.Lock()
	var err error
	if key == s.currentKey() {
		for _, h := range order {
			tx, ok := found[h]
			if !ok {
				continue
			}
			var done bool
			if done, err = s.addTransaction(ctx, tx, fx); err != nil || done {
				break
			}
		}
	}
	s.mu.Unlock()
	if ferr := s.flush(ctx, fx); err == nil {
		err = ferr
	}
	return err
}

func (s *Service) currentKey() timer.Key {
	return timer.Key{Height: s.round.Height, View: s.round.ViewNumber}
}

func (s *Service) armTimer(delay time.Duration) {
	s.timer.Change(s.currentKey(), delay)
}

type nopLogger struct{}

func (nopLogger) InfoContext(context.Context, string, ...interface{})  {}
func (nopLogger) WarnContext(context.Context, string, ...interface{})  {}
func (nopLogger) ErrorContext(context.Context, string, ...interface{}) {}
func (nopLogger) DebugContext(context.Context, string, ...interface{}) {}
func (l nopLogger) With(...interface{}) types.Logger                   { return l }

type nopAudit struct{}

func (nopAudit) Info(string, map[string]interface{}) error     { return nil }
func (nopAudit) Warn(string, map[string]interface{}) error     { return nil }
func (nopAudit) Error(string, map[string]interface{}) error    { return nil }
func (nopAudit) Security(string, map[string]interface{}) error { return nil }

func hashField(h types.Hash) string { return fmt.Sprintf("%x", h[:]) }
