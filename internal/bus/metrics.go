package bus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics combines Prometheus instruments with atomic counters backing the
// GetMetrics snapshot. messages_sent counts attempts; messages_delivered
// counts successes; both can move on one call, each at most once.
type Metrics struct {
	MessagesSent      prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesDeferred  prometheus.Counter
	AgentsRegistered  prometheus.Gauge
	QueueDepth        prometheus.Gauge

	sent      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	deferred  atomic.Uint64
}

// NewMetrics registers the bus metrics. A nil registerer uses a private
// registry so repeated construction in tests cannot collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_messages_sent_total",
			Help: "Send attempts, counted once per SendMessage call",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_messages_delivered_total",
			Help: "Messages delivered to their target",
		}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_messages_failed_total",
			Help: "Messages rejected or failed in flight",
		}),
		MessagesDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_messages_deferred_total",
			Help: "Messages routed into the deliberation lane",
		}),
		AgentsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentbus_agents_registered",
			Help: "Currently registered agents",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentbus_queue_depth",
			Help: "Messages waiting in the in-process queue",
		}),
	}
}

func (m *Metrics) recordSent()      { m.MessagesSent.Inc(); m.sent.Add(1) }
func (m *Metrics) recordDelivered() { m.MessagesDelivered.Inc(); m.delivered.Add(1) }
func (m *Metrics) recordFailed()    { m.MessagesFailed.Inc(); m.failed.Add(1) }
func (m *Metrics) recordDeferred()  { m.MessagesDeferred.Inc(); m.deferred.Add(1) }

// Snapshot returns the counter values for GetMetrics.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"messages_sent":      m.sent.Load(),
		"messages_delivered": m.delivered.Load(),
		"messages_failed":    m.failed.Load(),
		"messages_deferred":  m.deferred.Load(),
	}
}
