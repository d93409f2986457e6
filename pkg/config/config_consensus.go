package config

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/service"
	"github.com/r3e-network/neo-dbft/pkg/crypto"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Consensus-specific error codes
const (
	ErrCodeInsufficientValidators = utils.ErrorCode("INSUFFICIENT_VALIDATORS")
	ErrCodeInvalidBlockTime       = utils.ErrorCode("INVALID_BLOCK_TIME")
	ErrCodeInvalidBlockLimits     = utils.ErrorCode("INVALID_BLOCK_LIMITS")
)

var (
	DefaultBlockTime         = 15 * time.Second
	MinBlockTime             = 100 * time.Millisecond
	DefaultMaxTxPerBlock     = 512
	DefaultMaxBlockSize      = 256 * 1024
	DefaultMaxBlockSystemFee = int64(150000000000)
)

// ConsensusConfig is read once at startup and handed to the service
// read-only.
type ConsensusConfig struct {
	Network    string   `json:"network"`
	Validators [][]byte `json:"-"`

	BlockTime         time.Duration `json:"block_time"`
	MaxBlockTimeDrift int           `json:"max_block_time_drift"`
	GenesisTimestamp  uint64        `json:"genesis_timestamp"`

	// Policy
	MaxTransactionsPerBlock int   `json:"max_transactions_per_block"`
	MaxBlockSize            int   `json:"max_block_size"`
	MaxBlockSystemFee       int64 `json:"max_block_system_fee"`

	// Message handling
	KnownHashesCapacity int           `json:"known_hashes_capacity"`
	KnownHashesTTL      time.Duration `json:"known_hashes_ttl"`
	InboundQueueSize    int           `json:"inbound_queue_size"`
	IgnoreRecoveryLogs  bool          `json:"ignore_recovery_logs"`
	MaxMessageSize      int           `json:"max_message_size"`
	VerifyCacheSize     int           `json:"verify_cache_size"`
	VerifyCacheTTL      time.Duration `json:"verify_cache_ttl"`
}

// DefaultConsensusConfig returns the parameters of a 15s network with no
// committee configured.
func DefaultConsensusConfig() *ConsensusConfig {
	codec := messages.DefaultCodecConfig()
	svc := service.DefaultConfig()
	return &ConsensusConfig{
		Network:                 "dbft-local",
		BlockTime:               DefaultBlockTime,
		MaxBlockTimeDrift:       svc.MaxBlockTimeDrift,
		MaxTransactionsPerBlock: DefaultMaxTxPerBlock,
		MaxBlockSize:            DefaultMaxBlockSize,
		MaxBlockSystemFee:       DefaultMaxBlockSystemFee,
		KnownHashesCapacity:     svc.KnownHashesCapacity,
		KnownHashesTTL:          svc.KnownHashesTTL,
		InboundQueueSize:        svc.InboundQueueSize,
		MaxMessageSize:          codec.MaxMessageSize,
		VerifyCacheSize:         codec.VerifyCacheSize,
		VerifyCacheTTL:          codec.VerifyCacheTTL,
	}
}

// LoadConsensusConfig reads DBFT_* keys over the defaults.
func LoadConsensusConfig(ctx context.Context, cm *utils.ConfigManager) (*ConsensusConfig, error) {
	d := DefaultConsensusConfig()
	keys, err := crypto.ParsePublicKeys(cm.GetStringSlice("DBFT_VALIDATORS", nil))
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeConfigInvalid, "DBFT_VALIDATORS")
	}

	cfg := &ConsensusConfig{
		Network:                 cm.GetString("DBFT_NETWORK", d.Network),
		Validators:              keys,
		BlockTime:               cm.GetDuration("DBFT_BLOCK_TIME", d.BlockTime),
		MaxBlockTimeDrift:       cm.GetIntRange("DBFT_MAX_BLOCK_TIME_DRIFT", d.MaxBlockTimeDrift, 1, 1000),
		GenesisTimestamp:        cm.GetUint64("DBFT_GENESIS_TIMESTAMP", 0),
		MaxTransactionsPerBlock: cm.GetIntRange("DBFT_MAX_TX_PER_BLOCK", d.MaxTransactionsPerBlock, 0, 65535),
		MaxBlockSize:            cm.GetInt("DBFT_MAX_BLOCK_SIZE", d.MaxBlockSize),
		MaxBlockSystemFee:       cm.GetInt64("DBFT_MAX_BLOCK_SYSTEM_FEE", d.MaxBlockSystemFee),
		KnownHashesCapacity:     cm.GetIntRange("DBFT_KNOWN_HASHES_CAPACITY", d.KnownHashesCapacity, 16, 1000000),
		KnownHashesTTL:          cm.GetDuration("DBFT_KNOWN_HASHES_TTL", d.KnownHashesTTL),
		InboundQueueSize:        cm.GetIntRange("DBFT_INBOUND_QUEUE_SIZE", d.InboundQueueSize, 1, 1<<20),
		IgnoreRecoveryLogs:      cm.GetBool("DBFT_IGNORE_RECOVERY_LOGS", false),
		MaxMessageSize:          cm.GetIntRange("DBFT_MAX_MESSAGE_SIZE", d.MaxMessageSize, 1024, 64<<20),
		VerifyCacheSize:         cm.GetIntRange("DBFT_VERIFY_CACHE_SIZE", d.VerifyCacheSize, 0, 1<<20),
		VerifyCacheTTL:          cm.GetDuration("DBFT_VERIFY_CACHE_TTL", d.VerifyCacheTTL),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	utils.GetLogger().InfoContext(ctx, "consensus configuration loaded",
		utils.ZapString("network", cfg.Network),
		utils.ZapInt("validators", len(cfg.Validators)),
		utils.ZapDuration("block_time", cfg.BlockTime),
		utils.ZapInt("max_tx_per_block", cfg.MaxTransactionsPerBlock))
	return cfg, nil
}

// Validate checks the committee and block limits.
func (c *ConsensusConfig) Validate() error {
	if len(c.Validators) == 0 {
		return utils.NewError(ErrCodeInsufficientValidators, "at least one validator key is required")
	}
	seen := make(map[string]bool, len(c.Validators))
	for i, k := range c.Validators {
		if seen[string(k)] {
			return utils.NewErrorf(ErrCodeInsufficientValidators, "validator %d is listed twice", i)
		}
		seen[string(k)] = true
	}
	if c.BlockTime < MinBlockTime {
		return utils.NewErrorf(ErrCodeInvalidBlockTime, "block time %s below minimum %s", c.BlockTime, MinBlockTime)
	}
	if c.MaxTransactionsPerBlock < 0 || c.MaxBlockSize <= 0 || c.MaxBlockSystemFee <= 0 {
		return utils.NewError(ErrCodeInvalidBlockLimits, "block limits must be positive").
			WithDetail("max_tx", c.MaxTransactionsPerBlock).
			WithDetail("max_size", c.MaxBlockSize).
			WithDetail("max_system_fee", c.MaxBlockSystemFee)
	}
	return nil
}

// F is the number of faulty validators the committee tolerates.
func (c *ConsensusConfig) F() int { return (len(c.Validators) - 1) / 3 }

// ServiceConfig converts to the consensus service parameters.
func (c *ConsensusConfig) ServiceConfig() *service.Config {
	return &service.Config{
		BlockTime:           c.BlockTime,
		MaxBlockTimeDrift:   c.MaxBlockTimeDrift,
		KnownHashesCapacity: c.KnownHashesCapacity,
		KnownHashesTTL:      c.KnownHashesTTL,
		IgnoreRecoveryLogs:  c.IgnoreRecoveryLogs,
		InboundQueueSize:    c.InboundQueueSize,
		Verify: &messages.CodecConfig{
			MaxMessageSize:  c.MaxMessageSize,
			VerifyCacheSize: c.VerifyCacheSize,
			VerifyCacheTTL:  c.VerifyCacheTTL,
		},
	}
}

// Policy returns the block limits as a service.Policy.
func (c *ConsensusConfig) Policy() *StaticPolicy {
	return &StaticPolicy{
		maxBlockSize:      c.MaxBlockSize,
		maxBlockSystemFee: c.MaxBlockSystemFee,
		maxTxPerBlock:     c.MaxTransactionsPerBlock,
	}
}

// StaticPolicy serves fixed block limits.
type StaticPolicy struct {
	maxBlockSize      int
	maxBlockSystemFee int64
	maxTxPerBlock     int
}

func (p *StaticPolicy) MaxBlockSize() int           { return p.maxBlockSize }
func (p *StaticPolicy) MaxBlockSystemFee() int64    { return p.maxBlockSystemFee }
func (p *StaticPolicy) MaxTransactionsPerBlock() int { return p.maxTxPerBlock }

func (p *StaticPolicy) String() string {
	return fmt.Sprintf("policy{size=%d fee=%d txs=%d}", p.maxBlockSize, p.maxBlockSystemFee, p.maxTxPerBlock)
}
