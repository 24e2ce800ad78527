package stream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MaxMetricLabels the number of distinct "metric" label values recorded. Metric names
// come from client requests, so the rest are counted under OverflowMetricLabel.
const MaxMetricLabels = 64

// OverflowMetricLabel the "metric" label value once MaxMetricLabels is reached
const OverflowMetricLabel = "_other"

// Metrics the gateway's Prometheus collectors
//
// A nil *Metrics records nothing.
type Metrics struct {
	// SessionsOpen is the number of open client sessions
	SessionsOpen prometheus.Gauge
	// SubscriptionsActive is the number of subscriptions across all sessions
	SubscriptionsActive prometheus.Gauge
	// SubscribeRejected is the number of malformed subscribe requests
	SubscribeRejected prometheus.Counter
	// ConsumerFailures is the number of consumers closed by a failure
	ConsumerFailures prometheus.Counter
	// RecordsForwarded is the number of records queued for a client, per metric
	RecordsForwarded *prometheus.CounterVec
	// RecordsDropped is the number of records dropped before reaching a client, per metric
	RecordsDropped *prometheus.CounterVec
	// PayloadsUndecodable is the number of broker payloads which failed to decode, per metric
	PayloadsUndecodable *prometheus.CounterVec

	labelLock sync.Mutex
	labels    map[string]bool
}

// NewMetrics define and register the gateway collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtstream_sessions_open",
			Help: "The number of open client sessions.",
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtstream_subscriptions_active",
			Help: "The number of metric subscriptions held by open sessions.",
		}),
		SubscribeRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtstream_subscribe_rejected_total",
			Help: "The total number of malformed subscribe requests.",
		}),
		ConsumerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtstream_consumer_failures_total",
			Help: "The total number of broker consumers closed by a failure.",
		}),
		RecordsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtstream_records_forwarded_total",
			Help: "The total number of records queued for delivery to a client.",
		},
			[]string{"metric"},
		),
		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtstream_records_dropped_total",
			Help: "The total number of records dropped before reaching a client.",
		},
			[]string{"metric"},
		),
		PayloadsUndecodable: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtstream_payloads_undecodable_total",
			Help: "The total number of broker payloads which could not be decoded.",
		},
			[]string{"metric"},
		),
		labels: map[string]bool{},
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.SessionsOpen.Inc()
	}
}

func (m *Metrics) sessionClosed(subscriptions int) {
	if m != nil {
		m.SessionsOpen.Dec()
		m.SubscriptionsActive.Sub(float64(subscriptions))
	}
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.SubscriptionsActive.Inc()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.SubscribeRejected.Inc()
	}
}

func (m *Metrics) consumerFailed() {
	if m != nil {
		m.ConsumerFailures.Inc()
	}
}

// metricLabel the label value to record metric under
func (m *Metrics) metricLabel(metric string) string {
	m.labelLock.Lock()
	defer m.labelLock.Unlock()
	if m.labels[metric] {
		return metric
	}
	if len(m.labels) >= MaxMetricLabels {
		return OverflowMetricLabel
	}
	m.labels[metric] = true
	return metric
}

func (m *Metrics) recordForwarded(metric string) {
	if m != nil {
		m.RecordsForwarded.WithLabelValues(m.metricLabel(metric)).Inc()
	}
}

func (m *Metrics) recordDropped(metric string) {
	if m != nil {
		m.RecordsDropped.WithLabelValues(m.metricLabel(metric)).Inc()
	}
}

func (m *Metrics) recordUndecodable(metric string) {
	if m != nil {
		m.PayloadsUndecodable.WithLabelValues(m.metricLabel(metric)).Inc()
	}
}
