package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/neo-dbft/pkg/crypto"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Validation patterns
var (
	NodeIDPattern      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_.]{0,63}$`)
	EnvironmentPattern = regexp.MustCompile(`^(development|staging|production)$`)
)

// Error codes for node configuration
const (
	ErrCodeInvalidNodeID   = utils.ErrorCode("INVALID_NODE_ID")
	ErrCodeInvalidKey      = utils.ErrorCode("INVALID_VALIDATOR_KEY")
	ErrCodeInvalidAddress  = utils.ErrorCode("INVALID_ADDRESS")
	ErrCodeMissingKeySetup = utils.ErrorCode("MISSING_VALIDATOR_KEY")
)

// NodeConfig identifies this process and where its key material lives.
type NodeConfig struct {
	NodeID      string `json:"node_id"`
	InstanceID  string `json:"instance_id"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	DataDir     string `json:"data_dir"`

	// Exactly one of KeyFile or KeyHex selects the validator key. With
	// neither set the node runs watch-only unless GenerateKey is true.
	KeyFile     string `json:"key_file"`
	KeyHex      string `json:"-"`
	GenerateKey bool   `json:"generate_key"`
}

// MonitoringConfig covers metrics and the audit trail.
type MonitoringConfig struct {
	MetricsEnabled  bool          `json:"metrics_enabled"`
	MetricsAddr     string        `json:"metrics_addr"`
	MetricsPath     string        `json:"metrics_path"`
	MetricsInterval time.Duration `json:"metrics_interval"`
	LogLevel        string        `json:"log_level"`

	AuditEnabled    bool   `json:"audit_enabled"`
	AuditLogPath    string `json:"audit_log_path"`
	AuditSigningKey []byte `json:"-"`
}

// MempoolConfig bounds the transaction pool.
type MempoolConfig struct {
	MaxTransactions int           `json:"max_transactions"`
	MaxBytes        int           `json:"max_bytes"`
	NonceTTL        time.Duration `json:"nonce_ttl"`
	RatePerSecond   int           `json:"rate_per_second"`
}

// LoadNodeConfig reads NODE_* keys.
func LoadNodeConfig(ctx context.Context, cm *utils.ConfigManager) (*NodeConfig, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "dbft-node"
	}
	cfg := &NodeConfig{
		NodeID:      cm.GetString("NODE_ID", host),
		InstanceID:  uuid.NewString(),
		Environment: cm.GetString("ENVIRONMENT", "development"),
		Region:      cm.GetString("REGION", "default"),
		DataDir:     cm.GetString("NODE_DATA_DIR", "./data"),
		KeyFile:     cm.GetString("NODE_KEY_FILE", ""),
		GenerateKey: cm.GetBool("NODE_GENERATE_KEY", false),
	}
	if secret, err := cm.GetSecret("NODE_KEY_HEX"); err == nil {
		cfg.KeyHex = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	utils.GetLogger().InfoContext(ctx, "node configuration loaded",
		utils.ZapString("node_id", cfg.NodeID),
		utils.ZapString("instance_id", cfg.InstanceID),
		utils.ZapString("environment", cfg.Environment),
		utils.ZapBool("key_file", cfg.KeyFile != ""))
	return cfg, nil
}

// Validate checks the identity fields and key selection.
func (c *NodeConfig) Validate() error {
	if !NodeIDPattern.MatchString(c.NodeID) {
		return utils.NewErrorf(ErrCodeInvalidNodeID, "invalid node id %q", c.NodeID)
	}
	if !EnvironmentPattern.MatchString(c.Environment) {
		return &SecurityError{Field: "ENVIRONMENT", Reason: fmt.Sprintf("unknown environment %q", c.Environment)}
	}
	if c.KeyFile != "" && c.KeyHex != "" {
		return utils.NewError(ErrCodeInvalidKey, "NODE_KEY_FILE and NODE_KEY_HEX are mutually exclusive")
	}
	if c.Environment == "production" && c.KeyHex != "" {
		return &SecurityError{Field: "NODE_KEY_HEX", Reason: "inline keys are not allowed in production"}
	}
	return nil
}

// LoadSigner returns the validator signer, or nil for a watch-only node.
func (c *NodeConfig) LoadSigner() (*crypto.Ed25519Signer, error) {
	switch {
	case c.KeyHex != "":
		s, err := crypto.NewSignerFromHex(c.KeyHex)
		if err != nil {
			return nil, utils.WrapError(err, ErrCodeInvalidKey, "NODE_KEY_HEX")
		}
		return s, nil
	case c.KeyFile != "":
		s, err := crypto.LoadSignerFromFile(c.KeyFile)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, fs.ErrNotExist) || !c.GenerateKey {
			return nil, utils.WrapErrorf(err, ErrCodeInvalidKey, "load key %s", c.KeyFile)
		}
		s, err = crypto.GenerateKeyFile(c.KeyFile)
		if err != nil {
			return nil, utils.WrapErrorf(err, ErrCodeInvalidKey, "generate key %s", c.KeyFile)
		}
		return s, nil
	case c.GenerateKey:
		return nil, utils.NewError(ErrCodeMissingKeySetup, "NODE_GENERATE_KEY requires NODE_KEY_FILE")
	}
	return nil, nil
}

// LoadMonitoringConfig reads METRICS_* and AUDIT_* keys.
func LoadMonitoringConfig(ctx context.Context, cm *utils.ConfigManager) (*MonitoringConfig, error) {
	cfg := &MonitoringConfig{
		MetricsEnabled:  cm.GetBool("METRICS_ENABLED", true),
		MetricsAddr:     cm.GetString("METRICS_ADDR", ":9100"),
		MetricsPath:     cm.GetString("METRICS_PATH", "/metrics"),
		MetricsInterval: cm.GetDuration("METRICS_LOG_INTERVAL", 30*time.Second),
		LogLevel:        cm.GetString("LOG_LEVEL", "info"),
		AuditEnabled:    cm.GetBool("AUDIT_ENABLED", false),
		AuditLogPath:    cm.GetString("AUDIT_LOG_PATH", "./data/audit.log"),
	}
	if key, err := cm.GetSecret("AUDIT_SIGNING_KEY"); err == nil {
		cfg.AuditSigningKey = []byte(key)
	}
	if cfg.MetricsEnabled && cfg.MetricsAddr == "" {
		return nil, utils.NewError(ErrCodeInvalidAddress, "METRICS_ADDR is required when metrics are enabled")
	}
	if cfg.AuditEnabled && cfg.AuditLogPath == "" {
		return nil, utils.NewError(utils.CodeConfigInvalid, "AUDIT_LOG_PATH is required when audit is enabled")
	}
	return cfg, nil
}

// LoadMempoolConfig reads MEMPOOL_* keys.
func LoadMempoolConfig(cm *utils.ConfigManager) *MempoolConfig {
	return &MempoolConfig{
		MaxTransactions: cm.GetIntRange("MEMPOOL_MAX_TXS", 50000, 0, 10000000),
		MaxBytes:        cm.GetIntRange("MEMPOOL_MAX_BYTES", 64<<20, 0, 1<<31-1),
		NonceTTL:        cm.GetDuration("MEMPOOL_NONCE_TTL", 10*time.Minute),
		RatePerSecond:   cm.GetIntRange("MEMPOOL_RATE_PER_SECOND", 0, 0, 100000),
	}
}
