// Package metric provides Prometheus collectors for transport-level
// observability: pool occupancy, acquire wait time, message and byte
// throughput, and connect retry behavior.
//
// All recording helpers are nil-safe so the pool and connections can
// run without metrics wired up.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Metrics struct {
	// Pool metrics
	PoolConnections    *prometheus.GaugeVec
	AcquireWaitSeconds prometheus.Histogram
	AcquireFailures    *prometheus.CounterVec

	// Connection metrics
	MessagesTotal   *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		PoolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hl7link",
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Connections currently tracked by the pool, by state",
			},
			[]string{"state"},
		),

		AcquireWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "hl7link",
				Subsystem: "pool",
				Name:      "acquire_wait_seconds",
				Help:      "Time spent waiting for a connection in Acquire",
				Buckets:   prometheus.DefBuckets,
			},
		),

		AcquireFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hl7link",
				Subsystem: "pool",
				Name:      "acquire_failures_total",
				Help:      "Acquire calls that returned an error, by reason",
			},
			[]string{"reason"},
		),

		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hl7link",
				Subsystem: "connection",
				Name:      "messages_total",
				Help:      "Complete MLLP messages sent and received",
			},
			[]string{"direction"},
		),

		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hl7link",
				Subsystem: "connection",
				Name:      "bytes_total",
				Help:      "Framed bytes sent and received",
			},
			[]string{"direction"},
		),

		ConnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hl7link",
				Subsystem: "connection",
				Name:      "connect_attempts_total",
				Help:      "Dial attempts, including retries",
			},
		),

		ConnectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hl7link",
				Subsystem: "connection",
				Name:      "connect_failures_total",
				Help:      "Dial attempts that failed",
			},
		),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PoolConnections,
		m.AcquireWaitSeconds,
		m.AcquireFailures,
		m.MessagesTotal,
		m.BytesTotal,
		m.ConnectAttempts,
		m.ConnectFailures,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SetPoolGauges(active, available int) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("active").Set(float64(active))
	m.PoolConnections.WithLabelValues("available").Set(float64(available))
}

func (m *Metrics) ObserveAcquireWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWaitSeconds.Observe(wait.Seconds())
}

func (m *Metrics) CountAcquireFailure(reason string) {
	if m == nil {
		return
	}
	m.AcquireFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) CountMessage(direction string, framedBytes int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(framedBytes))
}

func (m *Metrics) CountConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) CountConnectFailure() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}
