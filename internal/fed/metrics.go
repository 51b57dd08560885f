package fed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay activity on a Prometheus registry. All fields
// are always non-nil; a relay built without metrics simply never
// increments anything.
type Metrics struct {
	// ConnectedFederates tracks joined, not-yet-resigned federates.
	ConnectedFederates prometheus.Gauge

	// MessagesForwarded counts forwarded frames by kind ("tagged",
	// "port_absent").
	MessagesForwarded *prometheus.CounterVec

	// GrantsSent counts time grants by kind ("full", "provisional").
	GrantsSent *prometheus.CounterVec

	// TagsCompleted counts logical-tag-complete notices received.
	TagsCompleted prometheus.Counter

	// StopRequests counts stop negotiations started.
	StopRequests prometheus.Counter

	// ClockSyncRounds counts runtime clock synchronization rounds the
	// relay completed.
	ClockSyncRounds prometheus.Counter
}

// NewMetrics registers the relay's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedFederates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "connected_federates",
			Help:      "Federates currently joined to the relay.",
		}),
		MessagesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "messages_forwarded_total",
			Help:      "Frames forwarded between federates, by kind.",
		}, []string{"kind"}),
		GrantsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "grants_sent_total",
			Help:      "Tag advance grants sent, by kind.",
		}, []string{"kind"}),
		TagsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "tags_completed_total",
			Help:      "Logical tag completions reported by federates.",
		}),
		StopRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "stop_requests_total",
			Help:      "Stop negotiations started.",
		}),
		ClockSyncRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "relay",
			Name:      "clock_sync_rounds_total",
			Help:      "Runtime clock synchronization rounds completed.",
		}),
	}
}
