// Package metrics exports consensus and network counters to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// Recorder implements types.Metrics for the consensus service and the
// Metrics interface of the p2p state manager.
type Recorder struct {
	reg prometheus.Registerer

	received      *prometheus.CounterVec
	sent          *prometheus.CounterVec
	viewChanges   *prometheus.CounterVec
	currentView   prometheus.Gauge
	height        prometheus.Gauge
	committed     prometheus.Counter
	txCommitted   prometheus.Counter
	roundDuration prometheus.Histogram
	blockTxs      prometheus.Histogram
	policyRejects *prometheus.CounterVec

	// p2p metrics are registered lazily by name
	mu       sync.Mutex
	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
}

var _ types.Metrics = (*Recorder)(nil)

// NewRecorder registers the consensus collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		reg: reg,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbft_messages_received_total",
			Help: "Consensus messages received grouped by type and outcome",
		}, []string{"type", "outcome"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbft_messages_sent_total",
			Help: "Consensus messages broadcast grouped by type",
		}, []string{"type"}),
		viewChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbft_view_changes_total",
			Help: "View changes grouped by reason",
		}, []string{"reason"}),
		currentView: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbft_view",
			Help: "Current view number",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbft_block_height",
			Help: "Index of the last committed block",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbft_blocks_committed_total",
			Help: "Blocks committed by this node",
		}),
		txCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbft_transactions_committed_total",
			Help: "Transactions included in committed blocks",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbft_round_duration_seconds",
			Help:    "Time from round start to commit",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60, 120},
		}),
		blockTxs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbft_block_transactions",
			Help:    "Transactions per committed block",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		policyRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbft_policy_rejections_total",
			Help: "Proposals rejected by block policy grouped by reason",
		}, []string{"reason"}),
		gauges:   make(map[string]*prometheus.GaugeVec),
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
	}
	reg.MustRegister(
		r.received,
		r.sent,
		r.viewChanges,
		r.currentView,
		r.height,
		r.committed,
		r.txCommitted,
		r.roundDuration,
		r.blockTxs,
		r.policyRejects,
	)
	return r
}

// Handler exposes the registry over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (r *Recorder) MessageReceived(kind, outcome string) {
	r.received.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) MessageSent(kind string) {
	r.sent.WithLabelValues(kind).Inc()
}

func (r *Recorder) ViewChanged(_ uint32, view types.ViewNumber, reason types.ChangeViewReason) {
	r.viewChanges.WithLabelValues(reason.String()).Inc()
	r.currentView.Set(float64(view))
}

func (r *Recorder) BlockCommitted(height uint32, txCount int, roundDuration time.Duration) {
	r.height.Set(float64(height))
	r.currentView.Set(0)
	r.committed.Inc()
	r.txCommitted.Add(float64(txCount))
	r.blockTxs.Observe(float64(txCount))
	if roundDuration > 0 {
		r.roundDuration.Observe(roundDuration.Seconds())
	}
}

func (r *Recorder) PolicyRejected(reason string) {
	r.policyRejects.WithLabelValues(reason).Inc()
}

// RegisterGaugeFunc exports a value sampled at scrape time.
func (r *Recorder) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// SetGauge, IncCounter and ObserveHist serve the p2p state manager. The
// label set of a name is fixed by its first use.
func (r *Recorder) SetGauge(name string, v float64, labels map[string]string) {
	keys := labelNames(labels)
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
		if r.register(vec) {
			r.gauges[name] = vec
		}
	}
	r.mu.Unlock()
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(v)
	}
}

func (r *Recorder) IncCounter(name string, delta float64, labels map[string]string) {
	keys := labelNames(labels)
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
		if r.register(vec) {
			r.counters[name] = vec
		}
	}
	r.mu.Unlock()
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil && delta >= 0 {
		c.Add(delta)
	}
}

func (r *Recorder) ObserveHist(name string, v float64, labels map[string]string) {
	keys := labelNames(labels)
	r.mu.Lock()
	vec, ok := r.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    helpFor(name),
			Buckets: prometheus.ExponentialBuckets(64, 4, 9),
		}, keys)
		if r.register(vec) {
			r.hists[name] = vec
		}
	}
	r.mu.Unlock()
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(v)
	}
}

func (r *Recorder) register(c prometheus.Collector) bool {
	return r.reg.Register(c) == nil
}

func labelNames(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpFor(name string) string {
	return strings.ReplaceAll(strings.TrimSuffix(name, "_total"), "_", " ")
}
