package conference

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters exported by the conference engine.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	wakeups       *prometheus.CounterVec
	migrations    *prometheus.CounterVec
	deprovisioned prometheus.Counter
}

// NewMetrics creates the conference counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "featureserver",
			Subsystem: "conference",
			Name:      "ownership_outcomes_total",
			Help:      "Ownership resolutions by resulting action.",
		}, []string{"action"}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "featureserver",
			Subsystem: "conference",
			Name:      "waitlist_notifications_total",
			Help:      "Wake-up deliveries to queued callers by result.",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "featureserver",
			Subsystem: "conference",
			Name:      "migrations_total",
			Help:      "Calls moved to the server owning their conference, by result.",
		}, []string{"result"}),
		deprovisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "featureserver",
			Subsystem: "conference",
			Name:      "deprovisioned_total",
			Help:      "Conference records deleted by the last leaving member.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.wakeups, m.migrations, m.deprovisioned)
	}
	return m
}
