// Package kafka publishes committed blocks and view changes to Kafka so
// indexers and monitors can follow the chain without joining gossip.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// BuildSaramaConfig turns a validated KafkaConfig into a producer config.
// Security rules are enforced by config.KafkaConfig.Validate; this only
// maps them onto sarama.
func BuildSaramaConfig(ctx context.Context, cfg *config.KafkaConfig, log *utils.Logger, audit types.AuditLogger) (*sarama.Config, error) {
	if cfg == nil {
		return nil, utils.NewValidationError("kafka: config is required")
	}
	if log == nil {
		log = utils.GetLogger()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_9_0_0
	sc.ClientID = "dbft-node"

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sc.Net.DialTimeout = timeout
	sc.Net.ReadTimeout = timeout
	sc.Net.WriteTimeout = timeout

	sc.Net.TLS.Enable = cfg.TLSEnabled
	if cfg.TLSEnabled {
		sc.Net.TLS.Config = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	} else {
		log.WarnContext(ctx, "Kafka TLS disabled, use only in development")
	}

	switch cfg.SASLMechanism {
	case "":
	case "SCRAM-SHA-512":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	case "SCRAM-SHA-256":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case "PLAIN":
		if !cfg.TLSEnabled {
			return nil, fmt.Errorf("kafka: SASL PLAIN without TLS would send credentials in cleartext")
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
	if sc.Net.SASL.Enable {
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
	}

	sc.Producer.Idempotent = cfg.ProducerIdempotent
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.ProducerRequiredAcks)
	sc.Producer.Retry.Max = cfg.ProducerRetries
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Compression = sarama.CompressionSnappy
	if sc.Producer.Idempotent {
		// idempotence requires a single in-flight request and acks from all replicas
		sc.Net.MaxOpenRequests = 1
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}
	if cfg.MaxMessageSize > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageSize
	}

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.ConsumerOffsetInitial == "oldest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Fetch.Max = int32(sc.Producer.MaxMessageBytes)

	sc.Metadata.Retry.Max = 3
	sc.Metadata.Retry.Backoff = 250 * time.Millisecond
	sc.Metadata.RefreshFrequency = 10 * time.Minute

	if err := sc.Validate(); err != nil {
		if audit != nil {
			_ = audit.Security("kafka_sarama_config_invalid", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("kafka: invalid sarama config: %w", err)
	}

	if audit != nil {
		_ = audit.Info("kafka_config_built", map[string]interface{}{
			"sasl_mechanism": cfg.SASLMechanism,
			"tls_enabled":    cfg.TLSEnabled,
			"idempotent":     sc.Producer.Idempotent,
		})
	}
	log.InfoContext(ctx, "Sarama config built",
		utils.ZapString("sasl_mechanism", cfg.SASLMechanism),
		utils.ZapBool("tls_enabled", cfg.TLSEnabled),
		utils.ZapBool("idempotent", sc.Producer.Idempotent))
	return sc, nil
}
