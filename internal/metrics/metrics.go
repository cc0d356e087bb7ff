// Package metrics exposes the broker's Prometheus metrics: connection
// registry size, lane throughput and dedup/dead-letter counts, fan-out
// latency, and history append/read counters. It generalizes the
// teacher's internal/metrics/metrics.go (which tracked a single
// websocket hub's connections/messages) to the broker's per-lane,
// per-store signals, using the same promauto-constructed-once pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the broker registers.
type Metrics struct {
	startTime time.Time

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionErrors  prometheus.Counter

	MessagesPublished *prometheus.CounterVec // labeled by lane
	MessagesDelivered *prometheus.CounterVec // labeled by lane
	MessagesDropped   *prometheus.CounterVec // labeled by lane, reason=gone|dedup|deadletter
	FanoutLatency     *prometheus.HistogramVec

	HistoryAppends prometheus.Counter
	HistoryReads   prometheus.Counter

	NATSConnected   prometheus.Gauge
	NATSReconnects  prometheus.Counter

	ErrorsByKind *prometheus.CounterVec

	GoroutinesCount prometheus.Gauge
	MemoryHeapBytes prometheus.Gauge
	CPUPercent      prometheus.Gauge
}

// New constructs and registers every collector against the default
// registry, matching the teacher's promauto usage.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_total",
			Help: "Total WebSocket connections accepted.",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Currently registered connections.",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_connection_errors_total",
			Help: "Connection-level errors (upgrade failure, forced disconnect).",
		}),

		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Messages accepted by a publisher, by lane.",
		}, []string{"lane"}),
		MessagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_delivered_total",
			Help: "Per-recipient successful deliveries, by lane.",
		}, []string{"lane"}),
		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_dropped_total",
			Help: "Messages dropped, by lane and reason.",
		}, []string{"lane", "reason"}),
		FanoutLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_fanout_latency_seconds",
			Help:    "Time to fan an envelope out to all current subscribers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"lane"}),

		HistoryAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_history_appends_total",
			Help: "Envelopes appended to the history store.",
		}),
		HistoryReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_history_reads_total",
			Help: "GET /messages requests served.",
		}),

		NATSConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broker_nats_connected",
			Help: "1 if connected to the NATS substrate, else 0.",
		}),
		NATSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_nats_reconnects_total",
			Help: "NATS reconnect events.",
		}),

		ErrorsByKind: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_errors_total",
			Help: "Errors by brokererr kind.",
		}, []string{"kind"}),

		GoroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broker_goroutines",
			Help: "Current goroutine count.",
		}),
		MemoryHeapBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broker_memory_heap_bytes",
			Help: "Current heap allocation in bytes.",
		}),
		CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broker_cpu_percent",
			Help: "Smoothed process CPU usage percentage.",
		}),
	}
}

// Uptime returns time since the metrics instance was constructed,
// i.e. process start for practical purposes.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// RecordError increments the error counter for kind's string form.
func (m *Metrics) RecordError(kind string) {
	m.ErrorsByKind.WithLabelValues(kind).Inc()
}

// SetNATSConnected reflects the NATS connection event handlers onto the
// gauge, matching the teacher's connectHandler/disconnectHandler pairing.
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// IncrementNATSReconnects records a reconnectHandler firing.
func (m *Metrics) IncrementNATSReconnects() {
	m.NATSReconnects.Inc()
}

// UpdateSystem copies a SystemMetrics snapshot onto the gauges scraped by
// Prometheus.
func (m *Metrics) UpdateSystem(sm *SystemMetrics) {
	m.GoroutinesCount.Set(float64(sm.GetSystemInfo()["runtime"].(map[string]interface{})["goroutines"].(int)))
	m.MemoryHeapBytes.Set(sm.GetMemoryMB() * 1024 * 1024)
	m.CPUPercent.Set(sm.GetCPUPercent())
}
