// Package api serves the node's read-only HTTP view of the chain and the
// consensus round, plus transaction submission into the local pool.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	consensusapi "github.com/r3e-network/neo-dbft/pkg/consensus/api"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Chain is the ledger view used by the block and validator endpoints.
type Chain interface {
	CurrentHeight() uint32
	CurrentHash() types.Hash
	CurrentTimestamp() uint64
	DesignatedValidators(height uint32) ([][]byte, error)
	GetBlock(ctx context.Context, height uint32) (*block.Block, error)
}

// BlockIndex resolves blocks by header hash.
type BlockIndex interface {
	GetBlockByHash(ctx context.Context, hash types.Hash) (*block.Block, error)
}

// TxPool is the subset of the mempool the API touches.
type TxPool interface {
	Add(tx *block.Transaction, now time.Time) error
	Get(h types.Hash) (*block.Transaction, bool)
	StatsDetailed() (count int, bytes int, oldestTimestamp int64)
}

// Consensus exposes round status and transaction gossip.
type Consensus interface {
	GetStatus() consensusapi.EngineStatus
	IsRunning() bool
	PublishTransaction(ctx context.Context, tx *block.Transaction) error
}

// Peers reports the libp2p host.
type Peers interface {
	ID() peer.ID
	Addrs() []string
	GetConnectedPeerCount() int
}

// Dependencies are the components behind the handlers. Blocks and Peers may
// be nil; their endpoints then answer 503.
type Dependencies struct {
	Config    *config.APIConfig
	Logger    *utils.Logger
	Audit     types.AuditLogger
	Chain     Chain
	Blocks    BlockIndex
	Pool      TxPool
	Consensus Consensus
	Peers     Peers
	Version   string
}

// Server is the node HTTP API.
type Server struct {
	config    *config.APIConfig
	logger    *utils.Logger
	audit     types.AuditLogger
	chain     Chain
	blocks    BlockIndex
	pool      TxPool
	consensus Consensus
	peers     Peers
	version   string

	handler     http.Handler
	httpServer  *http.Server
	rateLimiter *RateLimiter
	allowlist   []net.IPNet
	sem         chan struct{}

	startedAt time.Time
	running   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewServer validates deps and builds the handler chain. Nothing listens
// until Start.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Config == nil {
		return nil, utils.NewValidationError("api: config is required")
	}
	if deps.Chain == nil || deps.Pool == nil || deps.Consensus == nil {
		return nil, utils.NewValidationError("api: chain, pool and consensus are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	allow, err := config.ParseCIDRs(deps.Config.IPAllowlist)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeConfigInvalid, "api: ip allowlist")
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		config:    deps.Config,
		logger:    logger.WithFields(utils.ZapString("component", "api")),
		audit:     deps.Audit,
		chain:     deps.Chain,
		blocks:    deps.Blocks,
		pool:      deps.Pool,
		consensus: deps.Consensus,
		peers:     deps.Peers,
		version:   version,
		allowlist: allow,
		startedAt: time.Now(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	if deps.Config.MaxConcurrentReqs > 0 {
		s.sem = make(chan struct{}, deps.Config.MaxConcurrentReqs)
	}
	if deps.Config.RateLimitEnabled {
		s.rateLimiter = NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute: deps.Config.RateLimitPerMinute,
			Burst:             deps.Config.RateLimitBurst,
		})
	}
	s.handler = s.setupRouter()
	return s, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
// It returns the bound address.
func (s *Server) Start() (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", errors.New("api: server already running")
	}
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return "", fmt.Errorf("api: listen %s: %w", s.config.ListenAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    1 << 16,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var serveErr error
		if s.config.TLSEnabled() {
			serveErr = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("API server stopped unexpectedly", utils.ZapError(serveErr))
		}
	}()

	if s.rateLimiter != nil {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	addr := ln.Addr().String()
	if s.audit != nil {
		_ = s.audit.Info("api_server_started", map[string]interface{}{
			"addr": addr,
			"tls":  s.config.TLSEnabled(),
		})
	}
	s.logger.Info("API server listening",
		utils.ZapString("addr", addr),
		utils.ZapString("base_path", s.config.BasePath),
		utils.ZapBool("tls", s.config.TLSEnabled()))
	return addr, nil
}

// Stop shuts the listener down and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.wg.Wait()
		if s.audit != nil {
			_ = s.audit.Info("api_server_stopped", map[string]interface{}{
				"uptime_s": int64(time.Since(s.startedAt).Seconds()),
			})
		}
		s.logger.Info("API server stopped")
	})
	return err
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup(10 * time.Minute)
		}
	}
}
