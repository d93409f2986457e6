package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// P2PConfig parameterizes the libp2p router and peer state.
type P2PConfig struct {
	ListenPort     int      `json:"listen_port"`
	ProtocolPrefix string   `json:"protocol_prefix"`
	Rendezvous     string   `json:"rendezvous"`
	ConsensusTopic string   `json:"consensus_topic"`
	TxTopic        string   `json:"tx_topic"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	TrustedPeers   []string `json:"trusted_peers"`
	AllowedCIDRs   []string `json:"allowed_cidrs"`
	EnableMDNS     bool     `json:"enable_mdns"`
	EnableTLS      bool     `json:"enable_tls"`

	// 32 byte libp2p identity seed. Empty derives it from the validator key.
	IdentitySeed []byte `json:"-"`

	ConnLow           int           `json:"conn_low"`
	ConnHigh          int           `json:"conn_high"`
	ConnGracePeriod   time.Duration `json:"conn_grace_period"`
	MaxMessageSize    int           `json:"max_message_size"`
	MaxHandlers       int           `json:"max_handlers"`
	DiscoveryInterval time.Duration `json:"discovery_interval"`

	// Peer reputation
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	LivenessTimeout     time.Duration `json:"liveness_timeout"`
	DecayInterval       time.Duration `json:"decay_interval"`
	DecayFactor         float64       `json:"decay_factor"`
	QuarantineTTL       time.Duration `json:"quarantine_ttl"`
	QuarantineThreshold float64       `json:"quarantine_threshold"`
	MaxPeers            int           `json:"max_peers"`
}

// DefaultP2PConfig returns settings sized for a committee of a few nodes.
func DefaultP2PConfig(network string) *P2PConfig {
	return &P2PConfig{
		ListenPort:          8000,
		ProtocolPrefix:      "/dbft",
		Rendezvous:          network,
		ConsensusTopic:      network + "/consensus",
		TxTopic:             network + "/tx",
		ConnLow:             4,
		ConnHigh:            32,
		ConnGracePeriod:     60 * time.Second,
		MaxMessageSize:      2 << 20,
		MaxHandlers:         200,
		DiscoveryInterval:   15 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		LivenessTimeout:     20 * time.Second,
		DecayInterval:       30 * time.Second,
		DecayFactor:         0.98,
		QuarantineTTL:       5 * time.Minute,
		QuarantineThreshold: -5,
		MaxPeers:            512,
	}
}

// LoadP2PConfig reads P2P_* keys.
func LoadP2PConfig(ctx context.Context, cm *utils.ConfigManager, network string) (*P2PConfig, error) {
	d := DefaultP2PConfig(network)
	cfg := &P2PConfig{
		ListenPort:          cm.GetIntRange("P2P_LISTEN_PORT", d.ListenPort, 0, 65535),
		ProtocolPrefix:      cm.GetString("P2P_PROTOCOL_PREFIX", d.ProtocolPrefix),
		Rendezvous:          cm.GetString("P2P_RENDEZVOUS", d.Rendezvous),
		ConsensusTopic:      cm.GetString("P2P_CONSENSUS_TOPIC", d.ConsensusTopic),
		TxTopic:             cm.GetString("P2P_TX_TOPIC", d.TxTopic),
		BootstrapPeers:      cm.GetStringSlice("P2P_BOOTSTRAP_PEERS", nil),
		TrustedPeers:        cm.GetStringSlice("P2P_TRUSTED_PEERS", nil),
		AllowedCIDRs:        cm.GetStringSlice("P2P_ALLOWED_CIDRS", nil),
		EnableMDNS:          cm.GetBool("P2P_ENABLE_MDNS", false),
		EnableTLS:           cm.GetBool("P2P_ENABLE_TLS", false),
		ConnLow:             cm.GetIntRange("P2P_CONN_LOW", d.ConnLow, 1, 1000),
		ConnGracePeriod:     cm.GetDuration("P2P_CONN_GRACE_PERIOD", d.ConnGracePeriod),
		MaxMessageSize:      cm.GetIntRange("P2P_MAX_MESSAGE_SIZE", d.MaxMessageSize, 1024, 64<<20),
		MaxHandlers:         cm.GetIntRange("P2P_MAX_HANDLER_GOROUTINES", d.MaxHandlers, 1, 10000),
		DiscoveryInterval:   cm.GetDuration("P2P_DISCOVERY_INTERVAL", d.DiscoveryInterval),
		HeartbeatInterval:   cm.GetDuration("P2P_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		LivenessTimeout:     cm.GetDuration("P2P_LIVENESS_TIMEOUT", d.LivenessTimeout),
		DecayInterval:       cm.GetDuration("P2P_REPUTATION_DECAY_INTERVAL", d.DecayInterval),
		DecayFactor:         cm.GetFloat64("P2P_REPUTATION_DECAY_FACTOR", d.DecayFactor),
		QuarantineTTL:       cm.GetDuration("P2P_QUARANTINE_TTL", d.QuarantineTTL),
		QuarantineThreshold: cm.GetFloat64("P2P_QUARANTINE_THRESHOLD", d.QuarantineThreshold),
		MaxPeers:            cm.GetIntRange("P2P_MAX_PEERS", d.MaxPeers, 1, 10000),
	}
	cfg.ConnHigh = cm.GetIntRange("P2P_CONN_HIGH", d.ConnHigh, cfg.ConnLow+1, 2000)

	if seedHex, err := cm.GetSecret("P2P_ID_SEED"); err == nil && strings.TrimSpace(seedHex) != "" {
		seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
		if err != nil || len(seed) < 32 {
			return nil, &SecurityError{Field: "P2P_ID_SEED", Reason: "must be at least 32 hex encoded bytes"}
		}
		cfg.IdentitySeed = seed[:32]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	utils.GetLogger().InfoContext(ctx, "p2p configuration loaded",
		utils.ZapInt("listen_port", cfg.ListenPort),
		utils.ZapString("consensus_topic", cfg.ConsensusTopic),
		utils.ZapInt("bootstrap_peers", len(cfg.BootstrapPeers)),
		utils.ZapBool("mdns", cfg.EnableMDNS))
	return cfg, nil
}

// Validate checks topics and allowlist entries.
func (c *P2PConfig) Validate() error {
	if c.ConsensusTopic == "" || c.TxTopic == "" {
		return utils.NewError(utils.CodeConfigInvalid, "p2p topics must be set")
	}
	if c.ConsensusTopic == c.TxTopic {
		return utils.NewError(utils.CodeConfigInvalid, "consensus and transaction topics must differ")
	}
	if _, err := ParseCIDRs(c.AllowedCIDRs); err != nil {
		return utils.WrapError(err, ErrCodeInvalidAddress, "P2P_ALLOWED_CIDRS")
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return utils.NewErrorf(utils.CodeConfigInvalid, "decay factor %v outside (0,1)", c.DecayFactor)
	}
	return nil
}

// ParseCIDRs parses CIDR blocks; bare addresses become host routes.
func ParseCIDRs(list []string) ([]net.IPNet, error) {
	out := make([]net.IPNet, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", s)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

// StorageConfig locates the bbolt database.
type StorageConfig struct {
	Path        string        `json:"path"`
	OpenTimeout time.Duration `json:"open_timeout"`
	NoSync      bool          `json:"no_sync"`
}

// LoadStorageConfig reads STORAGE_* keys; the default path lives in dataDir.
func LoadStorageConfig(cm *utils.ConfigManager, dataDir string) (*StorageConfig, error) {
	cfg := &StorageConfig{
		Path:        cm.GetString("STORAGE_PATH", filepath.Join(dataDir, "chain.db")),
		OpenTimeout: cm.GetDuration("STORAGE_OPEN_TIMEOUT", 5*time.Second),
		NoSync:      cm.GetBool("STORAGE_NO_SYNC", false),
	}
	if cfg.Path == "" {
		return nil, utils.NewError(utils.CodeConfigInvalid, "STORAGE_PATH must not be empty")
	}
	return cfg, nil
}

// KafkaConfig configures the block event publisher. The publisher is off
// unless Enabled is set.
type KafkaConfig struct {
	Enabled bool          `json:"enabled"`
	Brokers []string      `json:"brokers"`
	Timeout time.Duration `json:"timeout"`

	// Security (TLS/SASL)
	TLSEnabled    bool   `json:"tls_enabled"`
	SASLMechanism string `json:"sasl_mechanism"` // SCRAM-SHA-256, SCRAM-SHA-512, PLAIN or empty
	SASLUsername  string `json:"sasl_username"`
	SASLPassword  string `json:"-"`

	TopicBlocks      string `json:"topic_blocks"`
	TopicViewChanges string `json:"topic_view_changes"`

	ProducerIdempotent   bool `json:"producer_idempotent"`
	ProducerRequiredAcks int  `json:"producer_required_acks"`
	ProducerRetries      int  `json:"producer_retries"`
	MaxMessageSize       int  `json:"max_message_size"`

	// Transaction ingest: a consumer group feeding the local pool.
	IngestEnabled     bool   `json:"ingest_enabled"`
	TopicTransactions string `json:"topic_transactions"`
	TopicDLQ          string `json:"topic_dlq"`
	ConsumerGroupID   string `json:"consumer_group_id"`
	// "newest" or "oldest"
	ConsumerOffsetInitial string `json:"consumer_offset_initial"`
}

// LoadKafkaConfig reads KAFKA_* keys.
func LoadKafkaConfig(ctx context.Context, cm *utils.ConfigManager, environment, network string) (*KafkaConfig, error) {
	cfg := &KafkaConfig{
		Enabled:              cm.GetBool("KAFKA_ENABLED", false),
		Brokers:              cm.GetStringSlice("KAFKA_BROKERS", nil),
		Timeout:              cm.GetDuration("KAFKA_TIMEOUT", 30*time.Second),
		TLSEnabled:           cm.GetBool("KAFKA_TLS_ENABLED", environment == "production"),
		SASLMechanism:        strings.ToUpper(cm.GetString("KAFKA_SASL_MECHANISM", "")),
		SASLUsername:         cm.GetString("KAFKA_SASL_USERNAME", ""),
		TopicBlocks:          cm.GetString("KAFKA_TOPIC_BLOCKS", network+".blocks.v1"),
		TopicViewChanges:     cm.GetString("KAFKA_TOPIC_VIEW_CHANGES", network+".viewchanges.v1"),
		ProducerIdempotent:   cm.GetBool("KAFKA_PRODUCER_IDEMPOTENT", true),
		ProducerRequiredAcks: cm.GetIntRange("KAFKA_PRODUCER_REQUIRED_ACKS", -1, -1, 1),
		ProducerRetries:      cm.GetIntRange("KAFKA_PRODUCER_RETRIES", 3, 0, 100),
		MaxMessageSize:       cm.GetIntRange("KAFKA_MAX_MESSAGE_SIZE", 1<<20, 1024, 64<<20),

		IngestEnabled:         cm.GetBool("KAFKA_INGEST_ENABLED", false),
		TopicTransactions:     cm.GetString("KAFKA_TOPIC_TRANSACTIONS", network+".transactions.v1"),
		TopicDLQ:              cm.GetString("KAFKA_TOPIC_DLQ", ""),
		ConsumerGroupID:       cm.GetString("KAFKA_CONSUMER_GROUP", network+"-dbft-ingest"),
		ConsumerOffsetInitial: strings.ToLower(cm.GetString("KAFKA_CONSUMER_OFFSET_INITIAL", "newest")),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if cfg.SASLMechanism != "" {
		pw, err := cm.GetSecret("KAFKA_SASL_PASSWORD")
		if err != nil {
			return nil, utils.WrapError(err, utils.CodeConfigInvalid, "KAFKA_SASL_PASSWORD")
		}
		cfg.SASLPassword = pw
	}
	if err := cfg.Validate(environment); err != nil {
		return nil, err
	}

	utils.GetLogger().InfoContext(ctx, "kafka configuration loaded",
		utils.ZapInt("brokers", len(cfg.Brokers)),
		utils.ZapString("topic_blocks", cfg.TopicBlocks),
		utils.ZapBool("tls", cfg.TLSEnabled),
		utils.ZapString("sasl", cfg.SASLMechanism))
	return cfg, nil
}

// Validate enforces TLS outside development and a known SASL mechanism.
func (c *KafkaConfig) Validate(environment string) error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return utils.NewError(utils.CodeConfigInvalid, "KAFKA_BROKERS required when kafka is enabled")
	}
	if c.TopicBlocks == "" || c.TopicViewChanges == "" {
		return utils.NewError(utils.CodeConfigInvalid, "kafka topics must be set")
	}
	if (environment == "production" || environment == "staging") && !c.TLSEnabled {
		return &SecurityError{Field: "KAFKA_TLS_ENABLED", Reason: "TLS is required in " + environment}
	}
	switch c.SASLMechanism {
	case "", "SCRAM-SHA-256", "SCRAM-SHA-512":
	case "PLAIN":
		if !c.TLSEnabled {
			return &SecurityError{Field: "KAFKA_SASL_MECHANISM", Reason: "PLAIN without TLS sends cleartext credentials"}
		}
	default:
		return utils.NewErrorf(utils.CodeConfigInvalid, "unsupported SASL mechanism %q", c.SASLMechanism)
	}
	if c.SASLMechanism != "" && c.SASLUsername == "" {
		return utils.NewError(utils.CodeConfigInvalid, "KAFKA_SASL_USERNAME required with SASL")
	}
	if c.IngestEnabled {
		if c.TopicTransactions == "" || c.ConsumerGroupID == "" {
			return utils.NewError(utils.CodeConfigInvalid, "KAFKA_TOPIC_TRANSACTIONS and KAFKA_CONSUMER_GROUP required for ingest")
		}
		if c.TopicDLQ != "" && c.TopicDLQ == c.TopicTransactions {
			return utils.NewError(utils.CodeConfigInvalid, "KAFKA_TOPIC_DLQ must differ from KAFKA_TOPIC_TRANSACTIONS")
		}
		switch c.ConsumerOffsetInitial {
		case "newest", "oldest":
		default:
			return utils.NewErrorf(utils.CodeConfigInvalid, "KAFKA_CONSUMER_OFFSET_INITIAL must be newest or oldest, got %q", c.ConsumerOffsetInitial)
		}
	}
	return nil
}
