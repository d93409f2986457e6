package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/config"
	dbftcrypto "github.com/r3e-network/neo-dbft/pkg/crypto"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (m *fakeMetrics) SetGauge(name string, v float64, _ map[string]string) {
	m.mu.Lock()
	m.gauges[name] = v
	m.mu.Unlock()
}

func (m *fakeMetrics) IncCounter(name string, d float64, _ map[string]string) {
	m.mu.Lock()
	m.counters[name] += d
	m.mu.Unlock()
}

func (m *fakeMetrics) ObserveHist(string, float64, map[string]string) {}

func newTestState(t *testing.T, mutate func(*config.P2PConfig)) (*State, *fakeMetrics, *time.Time) {
	t.Helper()
	cfg := config.DefaultP2PConfig("test")
	if mutate != nil {
		mutate(cfg)
	}
	m := newFakeMetrics()
	s := NewState(context.Background(), utils.CreateTestLogger(), cfg, m)
	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return clock }
	return s, m, &clock
}

func TestStateTouchPeerUpdatesLastSeen(t *testing.T) {
	s, _, clock := newTestState(t, nil)
	pid := peer.ID("peer-a")
	s.OnConnect(pid, nil)

	*clock = clock.Add(45 * time.Second)
	if got := s.GetActivePeerCount(20 * time.Second); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
	s.TouchPeer(pid, time.Time{})
	if got := s.GetActivePeerCount(20 * time.Second); got != 1 {
		t.Fatalf("active after touch = %d, want 1", got)
	}
}

func TestStateTouchPeerSkipsUnknownPeer(t *testing.T) {
	s, _, _ := newTestState(t, nil)
	s.TouchPeer(peer.ID("unknown"), time.Now())
	if n := s.GetPeerCount(); n != 0 {
		t.Fatalf("peer count = %d, want 0", n)
	}
}

func TestStatePenalizeQuarantines(t *testing.T) {
	s, m, clock := newTestState(t, nil)
	pid := peer.ID("peer-bad")
	s.OnConnect(pid, nil)

	s.Penalize(pid, 1, "invalid_consensus")
	if s.IsQuarantined(pid) {
		t.Fatal("quarantined after a single mild penalty")
	}
	s.Penalize(pid, 10, "invalid_consensus")
	if !s.IsQuarantined(pid) {
		t.Fatalf("score %.2f not quarantined", s.ScoreFor(pid))
	}
	if s.GetConnectedPeerCount() != 0 || s.GetQuarantinedCount() != 1 {
		t.Fatalf("connected=%d quarantined=%d", s.GetConnectedPeerCount(), s.GetQuarantinedCount())
	}
	if m.counters["p2p_peer_penalties_total"] != 2 || m.counters["p2p_quarantine_events_total"] != 1 {
		t.Fatalf("counters = %v", m.counters)
	}

	// released once the TTL elapses
	*clock = clock.Add(config.DefaultP2PConfig("test").QuarantineTTL + time.Second)
	if s.IsQuarantined(pid) {
		t.Fatal("quarantine outlived its TTL")
	}
	s.applyDecay()
	if s.GetQuarantinedCount() != 0 {
		t.Fatal("decay pass did not release the peer")
	}
}

func TestStateDecayShrinksScore(t *testing.T) {
	s, _, clock := newTestState(t, nil)
	pid := peer.ID("peer-decay")
	for i := 0; i < 20; i++ {
		s.OnMessage("test/consensus", pid, 100)
	}
	before := s.ScoreFor(pid)
	*clock = clock.Add(2 * s.decayInterval)
	s.applyDecay()
	after := s.ScoreFor(pid)
	if after >= before || after <= 0 {
		t.Fatalf("score %.3f -> %.3f", before, after)
	}
	snap := s.Snapshot()[pid]
	if snap.MsgIn != 20 || snap.BytesIn != 2000 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStateLivenessOnlyConnected(t *testing.T) {
	s, _, clock := newTestState(t, nil)
	s.OnConnect("live", nil)
	s.OnMessage("test/tx", "idle", 1)
	*clock = clock.Add(s.livenessTimeout + time.Second)
	s.checkLiveness()
	if s.ScoreFor("live") >= 0.2 {
		t.Fatalf("silent connected peer not penalized: %.2f", s.ScoreFor("live"))
	}
	if s.ScoreFor("idle") != 0.05 {
		t.Fatalf("disconnected peer penalized: %.2f", s.ScoreFor("idle"))
	}
}

func TestStateEvictsOnlyIdlePeers(t *testing.T) {
	s, _, _ := newTestState(t, func(c *config.P2PConfig) { c.MaxPeers = 2 })
	s.OnConnect("connected", nil)
	s.OnMessage("test/tx", "idle", 1)
	s.Penalize("idle", 0.5, "x")
	s.OnMessage("test/tx", "newcomer", 1)

	snap := s.Snapshot()
	if _, ok := snap["idle"]; ok {
		t.Fatal("lowest scoring idle peer survived eviction")
	}
	if _, ok := snap["connected"]; !ok {
		t.Fatal("connected peer evicted")
	}
	if len(snap) != 2 {
		t.Fatalf("peers = %d", len(snap))
	}
}

func TestIdentityFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	seed[5] = 9
	_, a, err := IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("IdentityFromSeed: %v", err)
	}
	b, err := PeerIDFromSeed(seed)
	if err != nil || a != b {
		t.Fatalf("ids differ: %s %s (%v)", a, b, err)
	}
	if _, _, err := IdentityFromSeed(seed[:16]); err == nil {
		t.Fatal("short seed accepted")
	}
}

func TestSeedFromSigner(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 1
	signer, err := dbftcrypto.NewSignerFromSeed(seed)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	a, err := SeedFromSigner(context.Background(), signer)
	if err != nil {
		t.Fatalf("SeedFromSigner: %v", err)
	}
	b, _ := SeedFromSigner(context.Background(), signer)
	if len(a) != 32 || string(a) != string(b) {
		t.Fatalf("seed not stable: %x %x", a, b)
	}
	if string(a) == string(seed) {
		t.Fatal("network identity reuses the validator seed")
	}
	if _, err := SeedFromSigner(context.Background(), nil); err == nil {
		t.Fatal("nil signer accepted")
	}
}

func TestTopicSuffix(t *testing.T) {
	for in, want := range map[string]string{
		"testnet/consensus": "consensus",
		"tx":                "tx",
		"a/b/c":             "c",
	} {
		if got := topicSuffix(in); got != want {
			t.Fatalf("topicSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}
