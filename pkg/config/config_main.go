// Package config loads the node configuration through utils.ConfigManager.
// Every section has defaults suitable for a local committee and a Validate
// method; Load fails closed on the first invalid section.
package config

import (
	"context"
	"fmt"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Keys whose values never reach the logs.
var SensitiveKeys = []string{
	"NODE_KEY_HEX",
	"P2P_ID_SEED",
	"KAFKA_SASL_PASSWORD",
	"AUDIT_SIGNING_KEY",
}

// SecurityError reports a setting rejected for security reasons.
type SecurityError struct {
	Field   string
	Reason  string
	Context map[string]interface{}
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation in %s: %s", e.Field, e.Reason)
}

// Config is the complete node configuration.
type Config struct {
	Node       *NodeConfig       `json:"node"`
	Consensus  *ConsensusConfig  `json:"consensus"`
	P2P        *P2PConfig        `json:"p2p"`
	Storage    *StorageConfig    `json:"storage"`
	Kafka      *KafkaConfig      `json:"kafka"`
	Monitoring *MonitoringConfig `json:"monitoring"`
	Mempool    *MempoolConfig    `json:"mempool"`
	API        *APIConfig        `json:"api"`
}

// NewConfigManager returns a manager over the process environment that
// masks SensitiveKeys.
func NewConfigManager(logger *utils.Logger) (*utils.ConfigManager, error) {
	return utils.NewConfigManager(&utils.ConfigManagerConfig{
		Logger:        logger,
		SensitiveKeys: SensitiveKeys,
	})
}

// Load reads every section.
func Load(ctx context.Context, cm *utils.ConfigManager) (*Config, error) {
	if cm == nil {
		return nil, utils.NewValidationError("config: manager is required")
	}
	node, err := LoadNodeConfig(ctx, cm)
	if err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}
	consensus, err := LoadConsensusConfig(ctx, cm)
	if err != nil {
		return nil, fmt.Errorf("consensus config: %w", err)
	}
	p2p, err := LoadP2PConfig(ctx, cm, consensus.Network)
	if err != nil {
		return nil, fmt.Errorf("p2p config: %w", err)
	}
	storage, err := LoadStorageConfig(cm, node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	kafka, err := LoadKafkaConfig(ctx, cm, node.Environment, consensus.Network)
	if err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}
	monitoring, err := LoadMonitoringConfig(ctx, cm)
	if err != nil {
		return nil, fmt.Errorf("monitoring config: %w", err)
	}
	api, err := LoadAPIConfig(ctx, cm, node.Environment)
	if err != nil {
		return nil, fmt.Errorf("api config: %w", err)
	}
	return &Config{
		Node:       node,
		Consensus:  consensus,
		P2P:        p2p,
		Storage:    storage,
		Kafka:      kafka,
		Monitoring: monitoring,
		Mempool:    LoadMempoolConfig(cm),
		API:        api,
	}, nil
}
