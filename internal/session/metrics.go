package session

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "sessiond"
	metricsSubsystem = "session"
)

// Metrics holds every Prometheus instrument the session manager exports.
// Grounded on gobfd's bfdmetrics.Collector: one struct of vectors registered
// against an injected prometheus.Registerer, with a label per drop reason
// and per event kind so dashboards can break volume down without needing
// separate metric names.
type Metrics struct {
	// Sessions tracks the number of currently live sessions.
	Sessions prometheus.Gauge

	// BufferedMessages tracks the number of messages awaiting route
	// discovery.
	BufferedMessages prometheus.Gauge

	// FramesDropped counts switch/inside frames dropped, labeled by reason
	//.
	FramesDropped *prometheus.CounterVec

	// EventsEmitted counts event-bus frames the manager has published,
	// labeled by event kind.
	EventsEmitted *prometheus.CounterVec

	// SessionsEnded counts session teardowns.
	SessionsEnded prometheus.Counter

	// DecryptFailures counts switch-side frames that failed authentication
	//, each of which elicits a wire-visible error reply.
	DecryptFailures prometheus.Counter
}

// NewMetrics creates a Metrics set registered against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_sessions",
			Help:      "Number of currently live sessions.",
		}),
		BufferedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "buffered_messages",
			Help:      "Number of outbound messages awaiting route discovery.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, labeled by reason.",
		}, []string{"reason"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_emitted_total",
			Help:      "Event-bus frames published, labeled by event kind.",
		}, []string{"event"}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions torn down.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "decrypt_failures_total",
			Help:      "Switch-facing frames that failed authentication.",
		}),
	}

	reg.MustRegister(m.Sessions, m.BufferedMessages, m.FramesDropped, m.EventsEmitted, m.SessionsEnded, m.DecryptFailures)
	return m
}

// dropReason labels used with FramesDropped, named after error
// categories.
const (
	dropReasonRunt           = "runt"
	dropReasonBadFlags       = "bad_flags"
	dropReasonUnknownHandle  = "unknown_handle"
	dropReasonInvalidAddress = "invalid_address"
	dropReasonLoopback       = "loopback"
	dropReasonBufferFull     = "buffer_full"
)
