package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	rpc "github.com/r3e-network/neo-dbft/pkg/api"
	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/api"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/crypto"
	"github.com/r3e-network/neo-dbft/pkg/events/kafka"
	"github.com/r3e-network/neo-dbft/pkg/ledger"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/metrics"
	"github.com/r3e-network/neo-dbft/pkg/p2p"
	"github.com/r3e-network/neo-dbft/pkg/storage/boltdb"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load does not overwrite variables already set in the environment
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			fmt.Printf("[INFO] Loaded environment from: %s\n", path)
			break
		}
	}

	logger, err := utils.NewLogger(utils.DefaultLogConfig())
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Shutdown() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Error("node exited with error", utils.ZapError(err))
		_ = logger.Shutdown()
		os.Exit(1)
	}
}

// node holds everything that needs an orderly shutdown.
type node struct {
	log      *utils.Logger
	audit    *utils.AuditLogger
	store    *boltdb.Store
	engine   *api.Engine
	peers    *p2p.State
	router   *p2p.Router
	producer *kafka.Producer
	consumer *kafka.Consumer
	server   *metrics.Server
	rpc      *rpc.Server
	rpcStop  time.Duration
}

func run(logger *utils.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm, err := config.NewConfigManager(logger)
	if err != nil {
		return fmt.Errorf("config manager: %w", err)
	}
	cfg, err := config.Load(ctx, cm)
	if err != nil {
		return err
	}
	if cfg.Monitoring.LogLevel != "" {
		if err := logger.SetLevel(cfg.Monitoring.LogLevel); err != nil {
			logger.Warn("invalid LOG_LEVEL ignored", utils.ZapString("level", cfg.Monitoring.LogLevel))
		}
	}
	logger = logger.WithFields(utils.ZapString("node_id", cfg.Node.NodeID))

	n := &node{log: logger}
	defer n.shutdown()

	var audit types.AuditLogger
	if cfg.Monitoring.AuditEnabled {
		ac := utils.DefaultAuditConfig()
		ac.FilePath = cfg.Monitoring.AuditLogPath
		ac.SigningKey = cfg.Monitoring.AuditSigningKey
		ac.NodeID = cfg.Node.NodeID
		ac.Component = "dbft"
		if aside, verr := utils.QuarantineCorruptLog(ac.FilePath, ac.SigningKey, time.Now()); aside != "" {
			logger.Error("audit trail failed verification, moved aside",
				utils.ZapString("path", ac.FilePath),
				utils.ZapString("moved_to", aside),
				utils.ZapError(verr))
		} else if verr != nil {
			logger.Warn("audit trail check failed", utils.ZapError(verr))
		}
		al, err := utils.NewAuditLogger(ac)
		if err != nil {
			logger.Warn("audit logger init failed, continuing without audit logging", utils.ZapError(err))
		} else {
			n.audit = al
			audit = al
			logger.Info("audit logger initialized", utils.ZapString("path", ac.FilePath))
		}
	}

	n.store, err = boltdb.Open(boltdb.Options{
		Path:    cfg.Storage.Path,
		Timeout: cfg.Storage.OpenTimeout,
		NoSync:  cfg.Storage.NoSync,
	})
	if err != nil {
		return err
	}

	led, err := ledger.Open(ctx, n.store, ledger.Config{
		Validators:       cfg.Consensus.Validators,
		GenesisTimestamp: cfg.Consensus.GenesisTimestamp,
	}, audit, logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	pool := mempool.New(mempool.Config{
		MaxTxs:        cfg.Mempool.MaxTransactions,
		MaxBytes:      cfg.Mempool.MaxBytes,
		NonceTTL:      cfg.Mempool.NonceTTL,
		RatePerSecond: cfg.Mempool.RatePerSecond,
	}, logger)
	pool.SetHeight(led.CurrentHeight)
	led.OnPersist(pool.OnBlockPersisted)

	keySigner, err := cfg.Node.LoadSigner()
	if err != nil {
		return fmt.Errorf("validator key: %w", err)
	}
	var signer api.Signer
	if keySigner != nil {
		signer = keySigner
		logger.Info("validator key loaded", utils.ZapString("public_key", hex.EncodeToString(keySigner.PublicKey())))
	} else {
		logger.Warn("no validator key configured, running watch-only")
	}

	n.engine, err = api.NewEngine(
		pool,
		led,
		cfg.Consensus.Policy(),
		signer,
		crypto.Ed25519Verifier{},
		n.store,
		audit,
		api.NewLoggerAdapter(logger),
		&api.EngineConfig{
			NodeID:           cfg.Node.NodeID,
			ConsensusTopic:   cfg.P2P.ConsensusTopic,
			TransactionTopic: cfg.P2P.TxTopic,
			MetricsEnabled:   cfg.Monitoring.MetricsEnabled,
			MetricsInterval:  cfg.Monitoring.MetricsInterval,
			Service:          cfg.Consensus.ServiceConfig(),
		},
	)
	if err != nil {
		return err
	}
	pool.SetNotifier(func(tx *block.Transaction) {
		if !n.engine.Service().DeliverTransaction(tx) {
			logger.Debug("consensus transaction queue full", utils.ZapString("tx", tx.Hash().Short()))
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)
	n.engine.SetMetrics(recorder)
	_ = recorder.RegisterGaugeFunc("dbft_mempool_transactions", "Transactions waiting in the pool", func() float64 {
		count, _ := pool.Stats()
		return float64(count)
	})

	n.peers = p2p.NewState(ctx, logger, cfg.P2P, recorder)
	n.peers.Start()
	if len(cfg.P2P.IdentitySeed) == 0 && keySigner != nil {
		seed, err := p2p.SeedFromSigner(ctx, keySigner)
		if err != nil {
			return fmt.Errorf("p2p identity: %w", err)
		}
		cfg.P2P.IdentitySeed = seed
	}
	n.router, err = p2p.NewRouter(ctx, cfg.P2P, n.peers, logger, p2p.RouterOptions{
		AllowRandomIdentity: cfg.Node.Environment == "development",
		Audit:               audit,
	})
	if err != nil {
		return err
	}
	if err := p2p.AttachConsensusHandlers(n.router, n.engine.OnMessageReceived, pool, p2p.Topics{
		Consensus:    cfg.P2P.ConsensusTopic,
		Transactions: cfg.P2P.TxTopic,
	}); err != nil {
		return err
	}
	n.engine.SetNetwork(n.router)
	_ = recorder.RegisterGaugeFunc("dbft_p2p_connected_peers", "Connected libp2p peers", func() float64 {
		return float64(n.router.GetConnectedPeerCount())
	})

	if cfg.Kafka.Enabled {
		n.producer, err = kafka.NewProducer(ctx, cfg.Kafka, cfg.Node.NodeID, logger, audit)
		if err != nil {
			return err
		}
		n.engine.AddEventSink(n.producer)

		if cfg.Kafka.IngestEnabled {
			n.consumer, err = kafka.NewConsumer(ctx, cfg.Kafka, pool, n.engine, logger, audit)
			if err != nil {
				return err
			}
			if err := n.consumer.Start(); err != nil {
				return err
			}
		}
	}

	if cfg.Monitoring.MetricsEnabled {
		n.server = metrics.NewServer(cfg.Monitoring.MetricsAddr, cfg.Monitoring.MetricsPath, reg, func() error {
			if !n.engine.IsRunning() {
				return errors.New("consensus engine not running")
			}
			return nil
		}, logger)
		if _, err := n.server.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	if cfg.API.Enabled {
		n.rpc, err = rpc.NewServer(rpc.Dependencies{
			Config:    cfg.API,
			Logger:    logger,
			Audit:     audit,
			Chain:     led,
			Blocks:    n.store,
			Pool:      pool,
			Consensus: n.engine,
			Peers:     n.router,
			Version:   version,
		})
		if err != nil {
			return err
		}
		if _, err := n.rpc.Start(); err != nil {
			return err
		}
		n.rpcStop = cfg.API.ShutdownTimeout
	}

	if err := n.engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("dbft node started",
		utils.ZapString("peer_id", n.router.ID().String()),
		utils.ZapInt("validators", len(cfg.Consensus.Validators)),
		utils.ZapUint32("height", led.CurrentHeight()),
		utils.ZapString("environment", cfg.Node.Environment),
		utils.ZapString("log_level", logger.GetLevel()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown requested", utils.ZapString("signal", sig.String()))
	return nil
}

// shutdown stops components in reverse start order. Nil components were
// never started.
func (n *node) shutdown() {
	if n.rpc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.rpcStop)
		if err := n.rpc.Stop(ctx); err != nil {
			n.log.Warn("api server stop failed", utils.ZapError(err))
		}
		cancel()
	}
	if n.engine != nil {
		if err := n.engine.Stop(); err != nil {
			n.log.Warn("consensus engine stop failed", utils.ZapError(err))
		}
	}
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			n.log.Warn("metrics server stop failed", utils.ZapError(err))
		}
		cancel()
	}
	if n.consumer != nil {
		if err := n.consumer.Stop(); err != nil {
			n.log.Warn("kafka consumer stop failed", utils.ZapError(err))
		}
	}
	if n.producer != nil {
		if err := n.producer.Close(); err != nil {
			n.log.Warn("kafka producer close failed", utils.ZapError(err))
		}
	}
	if n.router != nil {
		if err := n.router.Close(); err != nil {
			n.log.Warn("p2p router close failed", utils.ZapError(err))
		}
	}
	if n.peers != nil {
		n.peers.Stop()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.log.Warn("block store close failed", utils.ZapError(err))
		}
	}
	if n.audit != nil {
		_ = n.audit.Close()
	}
	n.log.Info("shutdown complete", utils.ZapUint64("log_lines", n.log.MessageCount()))
}
