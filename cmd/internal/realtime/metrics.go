package realtime

import "github.com/prometheus/client_golang/prometheus"

// Publish outcomes.
const (
	outcomeQueued  = "queued"
	outcomeOffline = "offline"
	outcomeClosed  = "closed"
)

// Metrics are the push gateway's Prometheus collectors.
type Metrics struct {
	Connections   prometheus.Gauge
	Published     *prometheus.CounterVec
	Dropped       prometheus.Counter
	Delivered     prometheus.Counter
	WriteFailures prometheus.Counter
	Superseded    prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "connections",
			Help:      "Live push connections.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "published_total",
			Help:      "Publish calls by outcome.",
		}, []string{"outcome"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "dropped_total",
			Help:      "Queued envelopes evicted because a connection fell behind.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "delivered_total",
			Help:      "Envelopes written to a transport.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "write_failures_total",
			Help:      "Transport writes that failed and ended the connection.",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma",
			Subsystem: "push",
			Name:      "superseded_total",
			Help:      "Connections closed because the user registered a newer one.",
		}),
	}
	for _, o := range []string{outcomeQueued, outcomeOffline, outcomeClosed} {
		m.Published.WithLabelValues(o)
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Published, m.Dropped, m.Delivered, m.WriteFailures, m.Superseded)
	}
	return m
}
