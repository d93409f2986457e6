package kafka

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

const (
	schemaVersion     = "1"
	defaultQueueSize  = 256
	eventTypeBlock    = "block_committed"
	eventTypeViewChng = "view_changed"
)

// Topics names the output topics.
type Topics struct {
	Blocks      string
	ViewChanges string
}

// BlockEvent is the JSON value published for every committed block.
type BlockEvent struct {
	EventID      string `json:"event_id"`
	NodeID       string `json:"node_id"`
	Height       uint32 `json:"height"`
	Hash         string `json:"hash"`
	PrevHash     string `json:"prev_hash"`
	MerkleRoot   string `json:"merkle_root"`
	Timestamp    uint64 `json:"timestamp_ms"`
	PrimaryIndex uint8  `json:"primary_index"`
	View         uint32 `json:"view"`
	TxCount      int    `json:"tx_count"`
	Signatures   int    `json:"signatures"`
	PublishedAt  int64  `json:"published_at"`
}

// ViewChangeEvent is the JSON value published when this node moves to a
// new view.
type ViewChangeEvent struct {
	EventID     string `json:"event_id"`
	NodeID      string `json:"node_id"`
	Height      uint32 `json:"height"`
	View        uint32 `json:"view"`
	Reason      string `json:"reason"`
	ReasonCode  uint8  `json:"reason_code"`
	PublishedAt int64  `json:"published_at"`
}

// Producer is a consensus event sink backed by a sarama SyncProducer.
// Events are queued and sent by a single worker so a slow broker never
// stalls the consensus loop; when the queue is full events are dropped
// and counted.
type Producer struct {
	producer sarama.SyncProducer
	topics   Topics
	nodeID   string
	logger   *utils.Logger
	audit    types.AuditLogger

	queue chan *sarama.ProducerMessage
	wg    sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	published     atomic.Uint64
	failed        atomic.Uint64
	dropped       atomic.Uint64
	lastOffset    atomic.Int64
	lastPublished atomic.Int64
}

// ProducerStats is a snapshot of producer counters.
type ProducerStats struct {
	Published     uint64
	Failed        uint64
	Dropped       uint64
	QueueDepth    int
	LastOffset    int64
	LastPublished time.Time
}

// NewProducer connects to the brokers of cfg.
func NewProducer(ctx context.Context, cfg *config.KafkaConfig, nodeID string, logger *utils.Logger, audit types.AuditLogger) (*Producer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, utils.NewValidationError("kafka producer: no brokers configured")
	}
	sc, err := BuildSaramaConfig(ctx, cfg, logger, audit)
	if err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		if audit != nil {
			_ = audit.Security("kafka_producer_creation_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, utils.WrapError(err, utils.CodeUnavailable, "kafka producer: connect")
	}
	topics := Topics{Blocks: cfg.TopicBlocks, ViewChanges: cfg.TopicViewChanges}
	return NewProducerWithClient(sp, topics, nodeID, defaultQueueSize, logger, audit)
}

// NewProducerWithClient wraps an existing SyncProducer and starts the send
// worker.
func NewProducerWithClient(sp sarama.SyncProducer, topics Topics, nodeID string, queueSize int, logger *utils.Logger, audit types.AuditLogger) (*Producer, error) {
	if sp == nil {
		return nil, utils.NewValidationError("kafka producer: nil client")
	}
	if topics.Blocks == "" {
		return nil, utils.NewValidationError("kafka producer: blocks topic required")
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &Producer{
		producer: sp,
		topics:   topics,
		nodeID:   nodeID,
		logger:   logger,
		audit:    audit,
		queue:    make(chan *sarama.ProducerMessage, queueSize),
	}
	p.lastOffset.Store(-1)
	p.wg.Add(1)
	go p.run()

	if audit != nil {
		_ = audit.Info("kafka_producer_created", map[string]interface{}{
			"blocks_topic":      topics.Blocks,
			"viewchanges_topic": topics.ViewChanges,
		})
	}
	logger.Info("Kafka event producer started",
		utils.ZapString("blocks_topic", topics.Blocks),
		utils.ZapString("viewchanges_topic", topics.ViewChanges),
		utils.ZapInt("queue_size", queueSize))
	return p, nil
}

// BlockCommitted queues a BlockEvent keyed by height.
func (p *Producer) BlockCommitted(ctx context.Context, b *block.Block, view types.ViewNumber) error {
	if b == nil {
		return nil
	}
	h := b.Header
	evt := BlockEvent{
		EventID:      uuid.NewString(),
		NodeID:       p.nodeID,
		Height:       h.Index,
		Hash:         b.Hash().String(),
		PrevHash:     h.PrevHash.String(),
		MerkleRoot:   h.MerkleRoot.String(),
		Timestamp:    h.Timestamp,
		PrimaryIndex: uint8(h.PrimaryIndex),
		View:         uint32(view),
		TxCount:      len(b.Transactions),
		Signatures:   len(b.Signatures),
		PublishedAt:  time.Now().UnixMilli(),
	}
	return p.enqueue(ctx, p.topics.Blocks, eventTypeBlock, h.Index, evt)
}

// ViewChanged queues a ViewChangeEvent. Without a view change topic the
// event is skipped.
func (p *Producer) ViewChanged(ctx context.Context, height uint32, view types.ViewNumber, reason types.ChangeViewReason) error {
	if p.topics.ViewChanges == "" {
		return nil
	}
	evt := ViewChangeEvent{
		EventID:     uuid.NewString(),
		NodeID:      p.nodeID,
		Height:      height,
		View:        uint32(view),
		Reason:      reason.String(),
		ReasonCode:  uint8(reason),
		PublishedAt: time.Now().UnixMilli(),
	}
	return p.enqueue(ctx, p.topics.ViewChanges, eventTypeViewChng, height, evt)
}

func (p *Producer) enqueue(ctx context.Context, topic, eventType string, height uint32, evt interface{}) error {
	value, err := utils.JSONMarshal(evt)
	if err != nil {
		return fmt.Errorf("kafka producer: marshal %s: %w", eventType, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(encodeHeight(height)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("version"), Value: []byte(schemaVersion)},
			{Key: []byte("type"), Value: []byte(eventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return utils.NewUnavailableError("kafka producer: closed")
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		p.logger.WarnContext(ctx, "Kafka event queue full, event dropped",
			utils.ZapString("type", eventType),
			utils.ZapUint32("height", height))
		return utils.NewUnavailableError("kafka producer: queue full")
	}
}

func (p *Producer) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		start := time.Now()
		partition, offset, err := p.producer.SendMessage(msg)
		if err != nil {
			p.failed.Add(1)
			if p.audit != nil {
				_ = p.audit.Error("kafka_publish_failed", map[string]interface{}{
					"topic": msg.Topic,
					"error": err.Error(),
				})
			}
			p.logger.Error("Failed to publish consensus event",
				utils.ZapString("topic", msg.Topic),
				utils.ZapError(err))
			continue
		}
		p.published.Add(1)
		p.lastOffset.Store(offset)
		p.lastPublished.Store(time.Now().UnixNano())
		p.logger.Debug("Consensus event published",
			utils.ZapString("topic", msg.Topic),
			utils.ZapInt("partition", int(partition)),
			utils.ZapInt64("offset", offset),
			utils.ZapDuration("latency", time.Since(start)))
	}
}

// Stats returns the current counters.
func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		QueueDepth: len(p.queue),
		LastOffset: p.lastOffset.Load(),
	}
	if ns := p.lastPublished.Load(); ns > 0 {
		s.LastPublished = time.Unix(0, ns)
	}
	return s
}

// Close stops accepting events, drains the queue and closes the client.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		if err := p.producer.Close(); err != nil {
			p.logger.Error("Failed to close Kafka producer", utils.ZapError(err))
			p.closeErr = fmt.Errorf("kafka producer: close: %w", err)
		}
		if p.audit != nil {
			_ = p.audit.Info("kafka_producer_closed", map[string]interface{}{
				"published": p.published.Load(),
				"failed":    p.failed.Load(),
				"dropped":   p.dropped.Load(),
			})
		}
	})
	return p.closeErr
}

func encodeHeight(h uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], h)
	return buf[:]
}
