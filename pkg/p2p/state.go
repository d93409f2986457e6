package p2p

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// State tracks peer lifecycle, health and reputation. Consensus handler
// failures feed Penalize; the router consults IsQuarantined and ScoreFor.
type State struct {
	log *utils.Logger

	mu    sync.RWMutex
	peers map[peer.ID]*PeerState

	heartbeatInterval   time.Duration
	livenessTimeout     time.Duration
	decayInterval       time.Duration
	decayFactor         float64
	quarantineTTL       time.Duration
	quarantineThreshold float64
	maxPeers            int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
	now     func() time.Time
}

// Metrics is a narrow interface to decouple from any metrics backend.
type Metrics interface {
	SetGauge(name string, v float64, labels map[string]string)
	IncCounter(name string, delta float64, labels map[string]string)
	ObserveHist(name string, v float64, labels map[string]string)
}

// PeerState holds rolling health and reputation for a peer.
type PeerState struct {
	ID           peer.ID
	Connected    bool
	LastSeen     time.Time
	LastDecay    time.Time
	BytesIn      uint64
	MsgIn        uint64
	Rejected     uint64
	Score        float64
	Quarantined  bool
	QuarantineAt time.Time
	Labels       map[string]string
}

// NewState builds a State from the reputation settings of cfg. A nil cfg
// uses config.DefaultP2PConfig.
func NewState(parentCtx context.Context, log *utils.Logger, cfg *config.P2PConfig, metrics Metrics) *State {
	if log == nil {
		log = utils.GetLogger()
	}
	if cfg == nil {
		cfg = config.DefaultP2PConfig("")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &State{
		log:                 log,
		peers:               make(map[peer.ID]*PeerState),
		heartbeatInterval:   positive(cfg.HeartbeatInterval, 5*time.Second),
		livenessTimeout:     positive(cfg.LivenessTimeout, 20*time.Second),
		decayInterval:       positive(cfg.DecayInterval, 30*time.Second),
		decayFactor:         clamp(cfg.DecayFactor, 0.80, 0.999),
		quarantineTTL:       positive(cfg.QuarantineTTL, 5*time.Minute),
		quarantineThreshold: cfg.QuarantineThreshold,
		maxPeers:            cfg.MaxPeers,
		metrics:             metrics,
		ctx:                 ctx,
		cancel:              cancel,
		now:                 time.Now,
	}
	if s.maxPeers <= 0 {
		s.maxPeers = 512
	}

	log.Info("p2p state manager created",
		utils.ZapDuration("liveness_timeout", s.livenessTimeout),
		utils.ZapDuration("decay_interval", s.decayInterval),
		utils.ZapFloat64("decay_factor", s.decayFactor),
		utils.ZapFloat64("quarantine_threshold", s.quarantineThreshold),
		utils.ZapDuration("quarantine_ttl", s.quarantineTTL),
		utils.ZapInt("max_peers", s.maxPeers))
	return s
}

// Start begins the decay and liveness loops.
func (s *State) Start() {
	s.wg.Add(2)
	go s.loop(s.decayInterval, s.applyDecay)
	go s.loop(s.heartbeatInterval, s.checkLiveness)
}

// Stop ends the background loops.
func (s *State) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("p2p state manager stopped")
}

// OnConnect marks a peer connected.
func (s *State) OnConnect(pid peer.ID, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.ensure(pid)
	now := s.now()
	ps.Connected = true
	ps.LastSeen = now
	ps.LastDecay = now
	if labels != nil {
		ps.Labels = labels
	}
	// handshake bonus
	ps.Score = clamp(ps.Score+0.2, -100, 100)
	s.observeCounts()

	s.log.Debug("peer connected",
		utils.ZapString("peer_id", pid.String()),
		utils.ZapFloat64("score", ps.Score))
}

// OnDisconnect marks a peer disconnected.
func (s *State) OnDisconnect(pid peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[pid]; ok {
		ps.Connected = false
		ps.LastSeen = s.now()
	}
	s.observeCounts()
	s.log.Debug("peer disconnected", utils.ZapString("peer_id", pid.String()))
}

// OnMessage records a delivered message of n bytes.
func (s *State) OnMessage(topic string, from peer.ID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.ensure(from)
	ps.LastSeen = s.now()
	ps.MsgIn++
	ps.BytesIn += uint64(n)
	ps.Score = clamp(ps.Score+0.05, -100, 100)

	if s.metrics != nil {
		s.metrics.IncCounter("p2p_messages_in_total", 1, map[string]string{"topic": topic})
		s.metrics.ObserveHist("p2p_message_size_bytes", float64(n), map[string]string{"topic": topic})
	}
}

// Penalize lowers a peer's score for a message that failed decoding or
// verification. Peers falling below the threshold are quarantined.
func (s *State) Penalize(pid peer.ID, severity float64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.ensure(pid)
	pen := clamp(severity, 0.1, 10.0)
	oldScore := ps.Score
	ps.Score -= pen
	ps.Rejected++

	if ps.Score < s.quarantineThreshold && !ps.Quarantined {
		s.quarantine(ps, reason)
	}
	if s.metrics != nil {
		s.metrics.IncCounter("p2p_peer_penalties_total", 1, map[string]string{"reason": reason})
	}
	s.observeCounts()

	s.log.Warn("peer penalized",
		utils.ZapString("peer_id", pid.String()),
		utils.ZapString("reason", reason),
		utils.ZapFloat64("penalty", pen),
		utils.ZapFloat64("old_score", oldScore),
		utils.ZapFloat64("new_score", ps.Score),
		utils.ZapBool("quarantined", ps.Quarantined))
}

// IsQuarantined reports whether a peer is isolated.
func (s *State) IsQuarantined(pid peer.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.peers[pid]
	if !ok {
		return false
	}
	return ps.Quarantined && s.now().Sub(ps.QuarantineAt) < s.quarantineTTL
}

// ScoreFor feeds the gossipsub application score.
func (s *State) ScoreFor(pid peer.ID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ps, ok := s.peers[pid]; ok {
		return ps.Score
	}
	return 0
}

// Snapshot returns a copy of peer states for diagnostics.
func (s *State) Snapshot() map[peer.ID]PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[peer.ID]PeerState, len(s.peers))
	for id, ps := range s.peers {
		out[id] = *ps
	}
	return out
}

// GetPeerCount returns the number of tracked peers.
func (s *State) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// GetConnectedPeerCount returns connected peers that are not quarantined.
func (s *State) GetConnectedPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ps := range s.peers {
		if ps.Connected && !ps.Quarantined {
			count++
		}
	}
	return count
}

// TouchPeer refreshes the last-seen time of a known peer without touching
// its score.
func (s *State) TouchPeer(pid peer.ID, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[pid]
	if !ok || ps.Quarantined {
		return
	}
	if ts.IsZero() {
		ts = s.now()
	}
	ps.LastSeen = ts
}

// GetActivePeerCount returns peers heard from within since.
func (s *State) GetActivePeerCount(since time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	count := 0
	for _, ps := range s.peers {
		if !ps.Quarantined && now.Sub(ps.LastSeen) < since {
			count++
		}
	}
	return count
}

// GetQuarantinedCount returns the number of quarantined peers.
func (s *State) GetQuarantinedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ps := range s.peers {
		if ps.Quarantined {
			count++
		}
	}
	return count
}

// --- internals ---

func (s *State) ensure(id peer.ID) *PeerState {
	if ps, ok := s.peers[id]; ok {
		return ps
	}
	if len(s.peers) >= s.maxPeers {
		s.evictLowestScorePeer()
	}
	now := s.now()
	ps := &PeerState{ID: id, LastSeen: now, LastDecay: now, Labels: map[string]string{}}
	s.peers[id] = ps
	return ps
}

func (s *State) loop(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *State) applyDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	released := 0
	for _, ps := range s.peers {
		elapsed := now.Sub(ps.LastDecay)
		if elapsed >= s.decayInterval {
			steps := float64(elapsed) / float64(s.decayInterval)
			ps.Score *= math.Pow(s.decayFactor, steps)
			ps.LastDecay = now
		}
		if ps.Quarantined && now.Sub(ps.QuarantineAt) >= s.quarantineTTL {
			ps.Quarantined = false
			released++
			s.log.Info("peer released from quarantine",
				utils.ZapString("peer_id", ps.ID.String()),
				utils.ZapDuration("quarantine_duration", now.Sub(ps.QuarantineAt)))
		}
	}
	if released > 0 {
		s.log.Debug("reputation decay applied", utils.ZapInt("released_peers", released))
	}
	s.observeCounts()
}

func (s *State) checkLiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stale := 0
	for _, ps := range s.peers {
		if !ps.Connected || now.Sub(ps.LastSeen) <= s.livenessTimeout {
			continue
		}
		// silent validators cost little; they may just be between rounds
		ps.Score -= 0.5
		stale++
		if ps.Score < s.quarantineThreshold && !ps.Quarantined {
			s.quarantine(ps, "liveness-timeout")
		}
	}
	if stale > 0 {
		s.log.Debug("liveness check completed", utils.ZapInt("stale_peers", stale))
	}
	s.observeCounts()
}

func (s *State) quarantine(ps *PeerState, reason string) {
	ps.Quarantined = true
	ps.QuarantineAt = s.now()

	if s.metrics != nil {
		s.metrics.IncCounter("p2p_quarantine_events_total", 1, map[string]string{"reason": reason})
	}
	s.log.Warn("peer quarantined",
		utils.ZapString("peer_id", ps.ID.String()),
		utils.ZapString("reason", reason),
		utils.ZapFloat64("score", ps.Score),
		utils.ZapDuration("ttl", s.quarantineTTL))
}

func (s *State) observeCounts() {
	if s.metrics == nil {
		return
	}
	connected, quarantined := 0, 0
	for _, ps := range s.peers {
		if ps.Quarantined {
			quarantined++
		} else if ps.Connected {
			connected++
		}
	}
	s.metrics.SetGauge("p2p_connected_peers", float64(connected), nil)
	s.metrics.SetGauge("p2p_quarantined_peers", float64(quarantined), nil)
	s.metrics.SetGauge("p2p_known_peers", float64(len(s.peers)), nil)
}

// evictLowestScorePeer drops the lowest scoring peer that is neither
// connected nor quarantined.
func (s *State) evictLowestScorePeer() {
	var lowestID peer.ID
	lowestScore := math.MaxFloat64
	for id, ps := range s.peers {
		if ps.Quarantined || ps.Connected {
			continue
		}
		if ps.Score < lowestScore {
			lowestScore = ps.Score
			lowestID = id
		}
	}
	if lowestID != "" {
		delete(s.peers, lowestID)
		s.log.Debug("evicted peer due to max limit",
			utils.ZapString("peer_id", lowestID.String()),
			utils.ZapFloat64("score", lowestScore))
	}
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
