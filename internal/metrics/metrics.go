// Package metrics provides Prometheus metrics for the state runtime daemon.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "staterund"

// Metrics holds every Prometheus collector the daemon registers. It
// implements dispatcher.Metrics, so it can be wired directly into
// dispatcher.New without an adapter.
type Metrics struct {
	Epoch            prometheus.Gauge
	RosterSize       prometheus.Gauge
	StateCounter     prometheus.Gauge
	CounterCacheSize prometheus.Gauge

	HandshakesTotal  prometheus.Counter
	HandshakeLatency prometheus.Histogram

	CommandsSent         prometheus.Counter
	CommandsReceivedOK   prometheus.Counter
	CommandsReceivedFail prometheus.Counter

	RatchetSyncSkips prometheus.Counter
	AEADFailures     prometheus.Counter
	OrderGaps        prometheus.Counter

	LedgerFetchLatency prometheus.Histogram
	LedgerRetries      prometheus.Counter

	handshakeStart time.Time
	mu             sync.Mutex
}

// Default returns a Metrics registered against the global default registry.
func Default() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers every collector against reg, the way a
// test harness supplies its own registry to avoid collisions with the
// process-wide default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Epoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current TreeKEM group epoch.",
		}),
		RosterSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "roster_size",
			Help:      "Configured group size (max_roster_idx).",
		}),
		StateCounter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_counter",
			Help:      "Last applied ledger state_counter.",
		}),
		CounterCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_counter_cache_size",
			Help:      "Number of accounts tracked in the per-user replay counter cache.",
		}),
		HandshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes applied (issued by this node or observed from the ledger).",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time between successive handshake epochs applied by this node.",
			Buckets:   prometheus.DefBuckets,
		}),
		CommandsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Commands encrypted and submitted to the ledger.",
		}),
		CommandsReceivedOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_ok_total",
			Help:      "Commands decrypted, verified, and applied successfully.",
		}),
		CommandsReceivedFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_fail_total",
			Help:      "Commands that failed decryption, verification, or replay checks.",
		}),
		RatchetSyncSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratchet_sync_skips_total",
			Help:      "Receiver-chain generations skipped over while syncing ahead to a message's generation.",
		}),
		AEADFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aead_failures_total",
			Help:      "Failed command receives, counted on every failure whatever its cause (not only AEAD tag mismatches).",
		}),
		OrderGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_gaps_total",
			Help:      "state_counter gaps observed (each one halts the event-consumption loop).",
		}),
		LedgerFetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_fetch_latency_seconds",
			Help:      "Latency of FetchEvents calls against the ledger client.",
			Buckets:   prometheus.DefBuckets,
		}),
		LedgerRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_retries_total",
			Help:      "Retryable ledger errors retried by ledger.WithRetry.",
		}),
	}
}

// ObserveHandshake records a newly applied epoch and the time since the
// previous one.
func (m *Metrics) ObserveHandshake(epoch uint32) {
	m.Epoch.Set(float64(epoch))
	m.HandshakesTotal.Inc()

	m.mu.Lock()
	prev := m.handshakeStart
	m.handshakeStart = time.Now()
	m.mu.Unlock()

	if !prev.IsZero() {
		m.HandshakeLatency.Observe(time.Since(prev).Seconds())
	}
}

// ObserveCommandSent records a command submitted to the ledger.
func (m *Metrics) ObserveCommandSent() {
	m.CommandsSent.Inc()
}

// ObserveCommandReceived records the outcome of applying one ciphertext event.
func (m *Metrics) ObserveCommandReceived(ok bool) {
	if ok {
		m.CommandsReceivedOK.Inc()
		return
	}
	m.CommandsReceivedFail.Inc()
	m.AEADFailures.Inc()
}

// ObserveStateCounter records the node's new global state_counter.
func (m *Metrics) ObserveStateCounter(n uint64) {
	m.StateCounter.Set(float64(n))
}

// ObserveOrderGap records a fatal state_counter gap.
func (m *Metrics) ObserveOrderGap() {
	m.OrderGaps.Inc()
}

// ObserveLedgerFetch records the latency of one FetchEvents round trip.
func (m *Metrics) ObserveLedgerFetch(d time.Duration) {
	m.LedgerFetchLatency.Observe(d.Seconds())
}

// ObserveLedgerRetry records one retryable ledger error being retried.
func (m *Metrics) ObserveLedgerRetry() {
	m.LedgerRetries.Inc()
}

// SetRosterSize records the configured group size.
func (m *Metrics) SetRosterSize(n uint32) {
	m.RosterSize.Set(float64(n))
}

// SetCounterCacheSize records the current size of the per-user replay
// counter cache.
func (m *Metrics) SetCounterCacheSize(n int) {
	m.CounterCacheSize.Set(float64(n))
}
