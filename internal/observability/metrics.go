package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the daemon exports. Several mirror
// STATS counters named in spec §4.7 (connections, gets, hits/misses, bytes
// read/written); process fields such as pid and uptime and the per-queue
// STATS lines have no /metrics analogue.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Command metrics
	CommandsTotal *prometheus.CounterVec // labels: command (get/set/stats/...)
	GetHitsTotal  prometheus.Counter
	GetMissTotal  prometheus.Counter

	// Queue data-plane metrics
	ItemsEnqueuedTotal prometheus.Counter
	ItemsDequeuedTotal prometheus.Counter
	BytesReadTotal     prometheus.Counter
	BytesWrittenTotal  prometheus.Counter
	BytesEvictedTotal  prometheus.Counter
	CompactionsTotal   prometheus.Counter

	// Queue engine internals
	QueueCount    prometheus.Gauge
	WaitersActive prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// metrics into it. Each call returns an independently registrable Metrics
// (unlike registering against prometheus.DefaultRegisterer, which panics on
// a second call in the same process — needed since tests construct more
// than one Server/Conn per package run).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_connections_total",
			Help: "Total TCP connections accepted",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "qbroker_connections_active",
			Help: "Currently open client connections",
		}),

		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qbroker_commands_total",
			Help: "Requests processed, by command",
		}, []string{"command"}),
		GetHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_get_hits_total",
			Help: "GET requests that returned an item",
		}),
		GetMissTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_get_misses_total",
			Help: "GET requests that returned END with no item",
		}),

		ItemsEnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_items_enqueued_total",
			Help: "Items successfully pushed across all queues",
		}),
		ItemsDequeuedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_items_dequeued_total",
			Help: "Items streamed out to GET clients across all queues, whether erased, returned by /peek or left open by /open",
		}),
		BytesReadTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_bytes_read_total",
			Help: "Payload bytes read from clients (SET)",
		}),
		BytesWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_bytes_written_total",
			Help: "Payload bytes written to clients (GET)",
		}),
		BytesEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_bytes_evicted_total",
			Help: "Bytes reclaimed by erased items across all queues",
		}),
		CompactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "qbroker_compactions_total",
			Help: "Store compaction passes run",
		}),

		QueueCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "qbroker_queues",
			Help: "Number of known queues",
		}),
		WaitersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "qbroker_waiters_active",
			Help: "Blocking GETs currently parked waiting for an item",
		}),
	}
}

// RecordCommand increments the per-command counter.
func (m *Metrics) RecordCommand(command string) {
	m.CommandsTotal.WithLabelValues(command).Inc()
}

// RecordConnectionOpened updates connection gauges/counters on accept.
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed updates the active-connection gauge on teardown.
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordGet records a GET outcome.
func (m *Metrics) RecordGet(hit bool) {
	if hit {
		m.GetHitsTotal.Inc()
	} else {
		m.GetMissTotal.Inc()
	}
}

// RecordPush records a successful push.
func (m *Metrics) RecordPush(bytes uint64) {
	m.ItemsEnqueuedTotal.Inc()
	m.BytesReadTotal.Add(float64(bytes))
}

// RecordPop records an item streamed out to a GET client, whether it is
// then erased, returned (/peek) or left open (/open).
func (m *Metrics) RecordPop(bytes uint64) {
	m.ItemsDequeuedTotal.Inc()
	m.BytesWrittenTotal.Add(float64(bytes))
}

// RecordEviction records bytes reclaimed by an erase.
func (m *Metrics) RecordEviction(bytes uint64) {
	m.BytesEvictedTotal.Add(float64(bytes))
}

// RecordCompaction increments the compaction counter.
func (m *Metrics) RecordCompaction() {
	m.CompactionsTotal.Inc()
}

// SetQueueCount updates the queue-count gauge.
func (m *Metrics) SetQueueCount(n int) {
	m.QueueCount.Set(float64(n))
}

// SetWaitersActive updates the active-waiters gauge.
func (m *Metrics) SetWaitersActive(n int) {
	m.WaitersActive.Set(float64(n))
}

// Handler exposes this Metrics instance's registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
