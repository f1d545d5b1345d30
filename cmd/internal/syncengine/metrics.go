package syncengine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Connections     *prometheus.GaugeVec
	EventsApplied   prometheus.Counter
	EventsDuplicate prometheus.Counter
	DecryptFailures *prometheus.CounterVec
	Retries         prometheus.Counter
	MessagesSent    prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "connections",
			Help:      "Sync connections by state.",
		}, []string{"state"}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "events_applied_total",
			Help:      "Inbound events recorded in the room directory.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "events_duplicate_total",
			Help:      "Inbound events skipped because they were already applied.",
		}),
		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "decrypt_failures_total",
			Help:      "Inbound events that could not be decrypted, by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Reconnect attempts after transient failures.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "sync",
			Name:      "messages_sent_total",
			Help:      "Outbound messages accepted by the remote.",
		}),
	}
	for _, s := range allStates {
		m.Connections.WithLabelValues(s.String())
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.EventsApplied, m.EventsDuplicate, m.DecryptFailures, m.Retries, m.MessagesSent)
	}
	return m
}
