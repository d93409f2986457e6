package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// TxSink admits ingested transactions. *mempool.Mempool implements it.
type TxSink interface {
	Add(tx *block.Transaction, now time.Time) error
}

// TxGossip forwards admitted transactions to the rest of the committee.
type TxGossip interface {
	PublishTransaction(ctx context.Context, tx *block.Transaction) error
}

// ConsumerConfig names the group and topics of a Consumer.
type ConsumerConfig struct {
	GroupID  string
	Topic    string
	DLQTopic string
	// Retry is the backoff between failed group sessions.
	Retry time.Duration
}

// Consumer reads CBOR transactions from a topic into the local pool.
// Messages that cannot be decoded or fail stateless validation go to the
// DLQ when one is configured. A full pool leaves the offset uncommitted so
// the message is retried after the next rebalance.
type Consumer struct {
	group  sarama.ConsumerGroup
	dlq    sarama.SyncProducer
	cfg    ConsumerConfig
	sink   TxSink
	gossip TxGossip
	logger *utils.Logger
	audit  types.AuditLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	consumed     atomic.Uint64
	admitted     atomic.Uint64
	rejected     atomic.Uint64
	deadLettered atomic.Uint64
	lag          atomic.Int64
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	Consumed     uint64
	Admitted     uint64
	Rejected     uint64
	DeadLettered uint64
	Lag          int64
}

// NewConsumer joins the ingest consumer group of cfg. gossip may be nil.
func NewConsumer(ctx context.Context, cfg *config.KafkaConfig, sink TxSink, gossip TxGossip, logger *utils.Logger, audit types.AuditLogger) (*Consumer, error) {
	if cfg == nil || !cfg.IngestEnabled {
		return nil, utils.NewValidationError("kafka consumer: ingest not enabled")
	}
	sc, err := BuildSaramaConfig(ctx, cfg, logger, audit)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroupID, sc)
	if err != nil {
		if audit != nil {
			_ = audit.Security("kafka_consumer_creation_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, utils.WrapError(err, utils.CodeUnavailable, "kafka consumer: join group")
	}
	var dlq sarama.SyncProducer
	if cfg.TopicDLQ != "" {
		dlq, err = sarama.NewSyncProducer(cfg.Brokers, sc)
		if err != nil {
			_ = group.Close()
			return nil, utils.WrapError(err, utils.CodeUnavailable, "kafka consumer: dlq producer")
		}
	}
	return NewConsumerWithClient(ctx, group, dlq, ConsumerConfig{
		GroupID:  cfg.ConsumerGroupID,
		Topic:    cfg.TopicTransactions,
		DLQTopic: cfg.TopicDLQ,
	}, sink, gossip, logger, audit)
}

// NewConsumerWithClient wraps an existing group. dlq may be nil.
func NewConsumerWithClient(ctx context.Context, group sarama.ConsumerGroup, dlq sarama.SyncProducer, cfg ConsumerConfig, sink TxSink, gossip TxGossip, logger *utils.Logger, audit types.AuditLogger) (*Consumer, error) {
	if group == nil || sink == nil {
		return nil, utils.NewValidationError("kafka consumer: group and sink are required")
	}
	if cfg.Topic == "" {
		return nil, utils.NewValidationError("kafka consumer: topic required")
	}
	if cfg.DLQTopic != "" && dlq == nil {
		return nil, utils.NewValidationError("kafka consumer: dlq topic without producer")
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5 * time.Second
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	cctx, cancel := context.WithCancel(utils.ContextWithComponent(ctx, "kafka_ingest"))
	c := &Consumer{
		group:  group,
		dlq:    dlq,
		cfg:    cfg,
		sink:   sink,
		gossip: gossip,
		logger: logger,
		audit:  audit,
		ctx:    cctx,
		cancel: cancel,
	}
	if audit != nil {
		_ = audit.Info("kafka_consumer_created", map[string]interface{}{
			"group_id": cfg.GroupID,
			"topic":    cfg.Topic,
			"dlq":      cfg.DLQTopic != "",
		})
	}
	return c, nil
}

// Start runs the group session loop in the background.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("kafka consumer: closed")
	}
	c.wg.Add(2)
	go c.consumeLoop()
	go c.errorLoop()
	c.logger.Info("Kafka transaction ingest started",
		utils.ZapString("group_id", c.cfg.GroupID),
		utils.ZapString("topic", c.cfg.Topic))
	return nil
}

// Stop leaves the group and closes the clients.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.group.Close()
	c.wg.Wait()
	if c.dlq != nil {
		if derr := c.dlq.Close(); derr != nil {
			c.logger.Warn("Failed to close DLQ producer", utils.ZapError(derr))
		}
	}
	s := c.Stats()
	c.logger.Info("Kafka transaction ingest stopped",
		utils.ZapUint64("consumed", s.Consumed),
		utils.ZapUint64("admitted", s.Admitted),
		utils.ZapUint64("rejected", s.Rejected),
		utils.ZapUint64("dead_lettered", s.DeadLettered))
	if err != nil {
		return fmt.Errorf("kafka consumer: close: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:     c.consumed.Load(),
		Admitted:     c.admitted.Load(),
		Rejected:     c.rejected.Load(),
		DeadLettered: c.deadLettered.Load(),
		Lag:          c.lag.Load(),
	}
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	handler := &groupHandler{c: c}
	for {
		err := c.group.Consume(c.ctx, []string{c.cfg.Topic}, handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.ErrorContext(c.ctx, "Kafka consumer session failed, retrying", utils.ZapError(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.cfg.Retry):
			}
		}
	}
}

func (c *Consumer) errorLoop() {
	defer c.wg.Done()
	errs := c.group.Errors()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.Warn("Kafka consumer error", utils.ZapError(err))
		}
	}
}

type groupHandler struct{ c *Consumer }

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	for topic, parts := range session.Claims() {
		h.c.logger.Info("Kafka partitions assigned",
			utils.ZapString("topic", topic),
			utils.ZapInt("partitions", len(parts)))
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if hw := claim.HighWaterMarkOffset(); hw > msg.Offset {
				h.c.lag.Store(hw - msg.Offset - 1)
			}
			if h.c.process(ctx, msg) {
				session.MarkMessage(msg, "")
			}
		}
	}
}

// process handles one message and reports whether its offset may be
// committed.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	c.consumed.Add(1)
	tx, err := block.DecodeTransaction(msg.Value)
	if err != nil {
		c.rejected.Add(1)
		c.deadLetter(ctx, msg, err)
		return true
	}

	err = c.sink.Add(tx, time.Now())
	switch {
	case err == nil:
		c.admitted.Add(1)
		if c.gossip != nil {
			if gerr := c.gossip.PublishTransaction(ctx, tx); gerr != nil {
				c.logger.DebugContext(ctx, "ingested transaction not gossiped",
					utils.ZapString("tx", tx.Hash().Short()),
					utils.ZapError(gerr))
			}
		}
		return true
	case errors.Is(err, mempool.ErrDuplicate), errors.Is(err, mempool.ErrExpired):
		c.rejected.Add(1)
		return true
	case errors.Is(err, mempool.ErrInvalidTx):
		c.rejected.Add(1)
		c.deadLetter(ctx, msg, err)
		return true
	default:
		// pool full or sender throttled; redeliver after rebalance
		if c.audit != nil {
			_ = c.audit.Warn("mempool_admit_failed", map[string]interface{}{
				"error":     err.Error(),
				"partition": msg.Partition,
				"offset":    msg.Offset,
			})
		}
		c.logger.WarnContext(ctx, "Mempool admission failed",
			utils.ZapError(err),
			utils.ZapInt64("offset", msg.Offset))
		return false
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) {
	c.logger.WarnContext(ctx, "Rejected ingested transaction",
		utils.ZapInt("partition", int(msg.Partition)),
		utils.ZapInt64("offset", msg.Offset),
		utils.ZapError(cause))
	if c.dlq == nil {
		return
	}
	_, _, err := c.dlq.SendMessage(&sarama.ProducerMessage{
		Topic: c.cfg.DLQTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("source_topic"), Value: []byte(msg.Topic)},
			{Key: []byte("source_partition"), Value: []byte(fmt.Sprint(msg.Partition))},
			{Key: []byte("source_offset"), Value: []byte(fmt.Sprint(msg.Offset))},
			{Key: []byte("error"), Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to route message to DLQ", utils.ZapError(err))
		return
	}
	c.deadLettered.Add(1)
}
