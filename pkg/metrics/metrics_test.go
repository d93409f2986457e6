package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func TestRecorderConsensusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.MessageReceived("PrepareRequest", "accepted")
	r.MessageReceived("PrepareRequest", "accepted")
	r.MessageReceived("Commit", "invalid")
	r.MessageSent("Commit")
	r.ViewChanged(5, 2, types.ReasonTimeout)
	r.BlockCommitted(5, 3, 1500*time.Millisecond)
	r.PolicyRejected("max_block_size")

	if got := testutil.ToFloat64(r.received.WithLabelValues("PrepareRequest", "accepted")); got != 2 {
		t.Fatalf("received = %v", got)
	}
	if got := testutil.ToFloat64(r.viewChanges.WithLabelValues("Timeout")); got != 1 {
		t.Fatalf("view changes = %v", got)
	}
	if got := testutil.ToFloat64(r.height); got != 5 {
		t.Fatalf("height = %v", got)
	}
	if got := testutil.ToFloat64(r.txCommitted); got != 3 {
		t.Fatalf("txs = %v", got)
	}
	if got := testutil.ToFloat64(r.currentView); got != 0 {
		t.Fatalf("view after commit = %v", got)
	}
}

func TestRecorderDynamicP2PMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.IncCounter("p2p_peer_penalties_total", 1, map[string]string{"reason": "invalid_consensus"})
	r.IncCounter("p2p_peer_penalties_total", 2, map[string]string{"reason": "invalid_consensus"})
	r.SetGauge("p2p_connected_peers", 4, nil)
	r.ObserveHist("p2p_message_size_bytes", 512, map[string]string{"topic": "consensus"})
	// mismatched label set is dropped, not a panic
	r.IncCounter("p2p_peer_penalties_total", 1, map[string]string{"other": "x"})

	if got := testutil.ToFloat64(r.counters["p2p_peer_penalties_total"].WithLabelValues("invalid_consensus")); got != 3 {
		t.Fatalf("penalties = %v", got)
	}
	if got := testutil.ToFloat64(r.gauges["p2p_connected_peers"].WithLabelValues()); got != 4 {
		t.Fatalf("connected = %v", got)
	}
	if n := testutil.CollectAndCount(r.hists["p2p_message_size_bytes"]); n != 1 {
		t.Fatalf("histogram series = %d", n)
	}
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	if err := r.RegisterGaugeFunc("dbft_mempool_transactions", "pooled transactions", func() float64 { return 7 }); err != nil {
		t.Fatalf("RegisterGaugeFunc: %v", err)
	}
	r.MessageSent("Commit")

	var ready atomic.Bool
	srv := NewServer(":0", "/metrics", reg, func() error {
		if !ready.Load() {
			return errors.New("syncing")
		}
		return nil
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := get(t, ts.URL+"/metrics", http.StatusOK)
	for _, want := range []string{"dbft_messages_sent_total", "dbft_mempool_transactions 7"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	get(t, ts.URL+"/healthz", http.StatusOK)
	get(t, ts.URL+"/readyz", http.StatusServiceUnavailable)
	ready.Store(true)
	get(t, ts.URL+"/readyz", http.StatusOK)
}

func get(t *testing.T, url string, want int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("GET %s = %d, want %d (%s)", url, resp.StatusCode, want, b)
	}
	return string(b)
}
