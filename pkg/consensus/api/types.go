package api

import (
	"context"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/service"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Re-export types from consensus/types and service for convenience within api package
type (
	Hash             = types.Hash
	ViewNumber       = types.ViewNumber
	ChangeViewReason = types.ChangeViewReason
	Signer           = types.Signer
	Verifier         = types.Verifier
	RoundStore       = types.RoundStore
	AuditLogger      = types.AuditLogger
	Logger           = types.Logger
	Mempool          = service.Mempool
	Ledger           = service.Ledger
	Policy           = service.Policy
	EventSink        = service.EventSink
)

// NetworkPublisher publishes encoded payloads to a topic.
type NetworkPublisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// CommitCallback is invoked after a committed block has been persisted.
type CommitCallback func(ctx context.Context, b *block.Block, view ViewNumber) error

// EngineStatus contains current engine status
type EngineStatus struct {
	Running   bool
	NodeID    string
	Height    uint32
	View      ViewNumber
	State     string
	WatchOnly bool
	Metrics   MetricsSnapshot
}

// MetricsSnapshot is a point-in-time metrics view
type MetricsSnapshot struct {
	MessagesReceived  uint64
	MessagesAccepted  uint64
	MessagesDropped   uint64
	MessagesSent      uint64
	DecodeFailures    uint64
	QueueOverflows    uint64
	TransactionsSeen  uint64
	BlocksCommitted   uint64
	ViewChanges       uint64
	PolicyRejections  uint64
	LastCommitTime    time.Time
	LastRoundDuration time.Duration
}
