package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/service"
	"github.com/r3e-network/neo-dbft/pkg/consensus/timer"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Default gossip topics.
const (
	DefaultConsensusTopic   = "dbft/consensus"
	DefaultTransactionTopic = "dbft/tx"
)

// Engine wires a consensus service to the network, event consumers and
// metrics, and owns the goroutine that drives it.
type Engine struct {
	config  *EngineConfig
	service *service.Service
	codec   *messages.Codec

	audit  AuditLogger
	logger Logger

	net       NetworkPublisher
	sinks     []EventSink
	callbacks []CommitCallback

	metrics  *EngineMetrics
	recorder *recorder

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
}

type noopAuditLogger struct{}

func (noopAuditLogger) Info(string, map[string]interface{}) error     { return nil }
func (noopAuditLogger) Warn(string, map[string]interface{}) error     { return nil }
func (noopAuditLogger) Error(string, map[string]interface{}) error    { return nil }
func (noopAuditLogger) Security(string, map[string]interface{}) error { return nil }

// EngineConfig contains consensus engine configuration
type EngineConfig struct {
	NodeID           string
	ConsensusTopic   string
	TransactionTopic string
	MetricsEnabled   bool
	MetricsInterval  time.Duration
	Service          *service.Config
}

// EngineMetrics tracks consensus throughput. Counters are atomic so the
// service goroutine never waits on a reader.
type EngineMetrics struct {
	received           atomic.Uint64
	accepted           atomic.Uint64
	dropped            atomic.Uint64
	sent               atomic.Uint64
	decodeFailures     atomic.Uint64
	queueOverflows     atomic.Uint64
	transactions       atomic.Uint64
	blocksCommitted    atomic.Uint64
	viewChanges        atomic.Uint64
	policyRejections   atomic.Uint64
	lastCommitUnixNano atomic.Int64
	lastRoundNanos     atomic.Int64
}

type noopNetworkPublisher struct {
	logger Logger
}

// NewNoopNetworkPublisher returns a NetworkPublisher that simply logs the publish
// attempt. It keeps a single-validator node running with networking disabled.
func NewNoopNetworkPublisher(logger Logger) NetworkPublisher {
	return noopNetworkPublisher{logger: logger}
}

func (p noopNetworkPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if p.logger != nil {
		p.logger.DebugContext(ctx, "[NETWORK] skipping publish (network disabled)",
			"topic", topic,
			"bytes", len(data),
		)
	}
	return nil
}

// DefaultEngineConfig returns secure defaults
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		ConsensusTopic:   DefaultConsensusTopic,
		TransactionTopic: DefaultTransactionTopic,
		MetricsEnabled:   true,
		MetricsInterval:  30 * time.Second,
		Service:          service.DefaultConfig(),
	}
}

// NewEngine creates a consensus engine. signer may be nil for a watch-only
// node and store may be nil to disable restart recovery.
func NewEngine(
	mempool Mempool,
	ledger Ledger,
	policy Policy,
	signer Signer,
	verifier Verifier,
	store RoundStore,
	audit AuditLogger,
	logger Logger,
	config *EngineConfig,
) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.Service == nil {
		config.Service = service.DefaultConfig()
	}
	if config.ConsensusTopic == "" {
		config.ConsensusTopic = DefaultConsensusTopic
	}
	if config.TransactionTopic == "" {
		config.TransactionTopic = DefaultTransactionTopic
	}
	if audit == nil {
		audit = noopAuditLogger{}
	}
	if logger == nil {
		return nil, utils.NewValidationError("engine: logger is required")
	}

	e := &Engine{
		config:  config,
		codec:   messages.NewCodec(verifier, config.Service.Verify),
		audit:   audit,
		logger:  logger,
		metrics: &EngineMetrics{},
	}
	// Default to a no-op network publisher so single-node deployments continue running
	// even when P2P networking is disabled. Multi-node wiring overrides this via SetNetwork.
	e.net = NewNoopNetworkPublisher(logger)
	e.recorder = &recorder{local: e.metrics, next: types.NoopMetrics{}}

	svc, err := service.NewService(
		e, mempool, ledger, policy, signer, verifier, store,
		timer.New(), audit, logger.With("node_id", config.NodeID), config.Service,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus service: %w", err)
	}
	svc.SetMetrics(e.recorder)
	svc.SetEvents(e)
	e.service = svc
	return e, nil
}

// SetNetwork configures the outbound publisher. It must be called before Start.
func (e *Engine) SetNetwork(p NetworkPublisher) {
	if p == nil {
		return
	}
	e.mu.Lock()
	e.net = p
	e.mu.Unlock()
}

// SetMetrics forwards consensus events to an exporter. It must be called
// before Start.
func (e *Engine) SetMetrics(m types.Metrics) {
	if m != nil {
		e.recorder.next = m
	}
}

// AddEventSink registers a consumer of commits and view changes.
func (e *Engine) AddEventSink(sink EventSink) {
	if sink == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
}

// RegisterCommitCallback registers a callback for block commits
func (e *Engine) RegisterCommitCallback(callback CommitCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.callbacks = append(e.callbacks, callback)
}

// Start initializes and starts the consensus engine
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("consensus engine already running")
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "starting consensus engine",
		"node_id", e.config.NodeID,
		"block_time", e.config.Service.BlockTime,
		"consensus_topic", e.config.ConsensusTopic,
	)

	if err := e.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consensus service: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := e.service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.ErrorContext(runCtx, "consensus loop stopped", "error", err)
		}
	}()

	if e.config.MetricsEnabled && e.config.MetricsInterval > 0 {
		go e.metricsLoop(runCtx)
	}

	height, view := e.service.Round()
	e.audit.Info("consensus_engine_started", map[string]interface{}{
		"node_id":        e.config.NodeID,
		"current_height": height,
		"current_view":   view,
		"watch_only":     e.service.WatchOnly(),
	})
	return nil
}

// Stop gracefully shuts down the consensus engine
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	e.logger.InfoContext(context.Background(), "stopping consensus engine")
	cancel()
	<-done

	height, view := e.service.Round()
	e.audit.Info("consensus_engine_stopped", map[string]interface{}{
		"node_id":          e.config.NodeID,
		"final_height":     height,
		"final_view":       view,
		"blocks_committed": e.metrics.blocksCommitted.Load(),
	})
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// OnMessageReceived decodes a consensus payload from the network and
// queues it for the service. Signatures are checked by the service.
func (e *Engine) OnMessageReceived(ctx context.Context, peer string, data []byte) error {
	sm, err := e.codec.Decode(data)
	if err != nil {
		e.metrics.decodeFailures.Add(1)
		e.logger.DebugContext(ctx, "dropping undecodable consensus message",
			"peer", peer,
			"bytes", len(data),
			"error", err,
		)
		return err
	}
	if !e.service.Deliver(sm) {
		e.metrics.queueOverflows.Add(1)
		e.logger.WarnContext(ctx, "consensus inbound queue full",
			"peer", peer,
			"kind", sm.Kind().String(),
		)
		return utils.NewUnavailableError("consensus inbound queue full")
	}
	return nil
}

// OnTransactionReceived decodes a gossiped transaction and offers it to the
// current proposal.
func (e *Engine) OnTransactionReceived(ctx context.Context, peer string, data []byte) error {
	tx, err := block.DecodeTransaction(data)
	if err != nil {
		e.metrics.decodeFailures.Add(1)
		return err
	}
	e.metrics.transactions.Add(1)
	if !e.service.DeliverTransaction(tx) {
		e.metrics.queueOverflows.Add(1)
		return utils.NewUnavailableError("consensus transaction queue full")
	}
	return nil
}

// OnBlockPersisted tells the service that the ledger advanced outside
// consensus, for example through block sync.
func (e *Engine) OnBlockPersisted(b *block.Block) bool {
	return e.service.DeliverPersisted(b)
}

// Broadcast implements service.Network over the configured publisher.
func (e *Engine) Broadcast(ctx context.Context, sm *messages.SignedMessage) error {
	data, err := e.codec.Encode(sm)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	e.mu.RLock()
	net := e.net
	e.mu.RUnlock()
	if err := net.Publish(ctx, e.config.ConsensusTopic, data); err != nil {
		return fmt.Errorf("publish to topic %s: %w", e.config.ConsensusTopic, err)
	}
	return nil
}

// PublishTransaction gossips a locally submitted transaction.
func (e *Engine) PublishTransaction(ctx context.Context, tx *block.Transaction) error {
	data, err := block.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	e.mu.RLock()
	net := e.net
	e.mu.RUnlock()
	return net.Publish(ctx, e.config.TransactionTopic, data)
}

// BlockCommitted implements service.EventSink.
func (e *Engine) BlockCommitted(ctx context.Context, b *block.Block, view ViewNumber) error {
	e.mu.RLock()
	sinks := append([]EventSink(nil), e.sinks...)
	callbacks := append([]CommitCallback(nil), e.callbacks...)
	e.mu.RUnlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.BlockCommitted(ctx, b, view); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cb := range callbacks {
		if err := cb(ctx, b, view); err != nil {
			h := b.Hash()
			e.logger.ErrorContext(ctx, "commit callback failed", "height", b.Index(), "error", err)
			e.audit.Security("commit_callback_failed", map[string]interface{}{
				"height": b.Index(),
				"hash":   h.Short(),
				"view":   view,
				"error":  err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ViewChanged implements service.EventSink.
func (e *Engine) ViewChanged(ctx context.Context, height uint32, view ViewNumber, reason ChangeViewReason) error {
	e.mu.RLock()
	sinks := append([]EventSink(nil), e.sinks...)
	e.mu.RUnlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.ViewChanged(ctx, height, view, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetStatus returns current consensus status
func (e *Engine) GetStatus() EngineStatus {
	height, view := e.service.Round()
	return EngineStatus{
		Running:   e.IsRunning(),
		NodeID:    e.config.NodeID,
		Height:    height,
		View:      view,
		State:     e.service.State().String(),
		WatchOnly: e.service.WatchOnly(),
		Metrics:   e.metrics.snapshot(),
	}
}

// GetMetrics returns current metrics
func (e *Engine) GetMetrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

// Service exposes the underlying state machine, mainly for tests and tooling.
func (e *Engine) Service() *service.Service { return e.service }

func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logMetrics(ctx)
		}
	}
}

func (e *Engine) logMetrics(ctx context.Context) {
	snapshot := e.metrics.snapshot()
	height, view := e.service.Round()

	e.logger.InfoContext(ctx, "consensus metrics",
		"height", height,
		"view", view,
		"messages_received", snapshot.MessagesReceived,
		"messages_accepted", snapshot.MessagesAccepted,
		"messages_sent", snapshot.MessagesSent,
		"decode_failures", snapshot.DecodeFailures,
		"queue_overflows", snapshot.QueueOverflows,
		"blocks_committed", snapshot.BlocksCommitted,
		"view_changes", snapshot.ViewChanges,
		"policy_rejections", snapshot.PolicyRejections,
	)
}

func (m *EngineMetrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		MessagesReceived:  m.received.Load(),
		MessagesAccepted:  m.accepted.Load(),
		MessagesDropped:   m.dropped.Load(),
		MessagesSent:      m.sent.Load(),
		DecodeFailures:    m.decodeFailures.Load(),
		QueueOverflows:    m.queueOverflows.Load(),
		TransactionsSeen:  m.transactions.Load(),
		BlocksCommitted:   m.blocksCommitted.Load(),
		ViewChanges:       m.viewChanges.Load(),
		PolicyRejections:  m.policyRejections.Load(),
		LastRoundDuration: time.Duration(m.lastRoundNanos.Load()),
	}
	if ns := m.lastCommitUnixNano.Load(); ns > 0 {
		s.LastCommitTime = time.Unix(0, ns)
	}
	return s
}
