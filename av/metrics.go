package av

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports call-core counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so the core runs unchanged
// when metrics are not wanted.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	stateTransitions   *prometheus.CounterVec
	negotiations       *prometheus.CounterVec
	negotiationResults *prometheus.CounterVec
	controls           *prometheus.CounterVec
	framesSent         *prometheus.CounterVec
	framesRejected     *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	errors             *prometheus.CounterVec
	eventsDropped      prometheus.Counter
}

// NewMetrics registers the call-core metrics with reg under namespace.
// Pass prometheus.DefaultRegisterer to expose them on the default handler,
// or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "toxav"
	}
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of ringing or in-progress call sessions",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_state_transitions_total",
			Help:      "Call state transitions by destination state",
		}, []string{"state"}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitrate_requests_total",
			Help:      "Bit rate change requests by medium and negotiator outcome",
		}, []string{"medium", "forceful", "outcome"}),
		negotiationResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitrate_responses_total",
			Help:      "Bit rate responses by medium and settlement",
		}, []string{"medium", "settlement"}),
		controls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_controls_total",
			Help:      "Call controls by control and direction",
		}, []string{"control", "direction"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport by medium",
		}, []string{"medium"}),
		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Outbound frames refused before reaching the transport",
		}, []string{"medium", "kind"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by medium and whether they were surfaced",
		}, []string{"medium", "result"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to the delegate by kind",
		}, []string{"kind"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Delegate events dropped because a queue was full",
		}),
	}
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) stateChanged(s CallState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) negotiation(medium Medium, forceful bool, o Outcome) {
	if m == nil {
		return
	}
	f := "false"
	if forceful {
		f = "true"
	}
	m.negotiations.WithLabelValues(medium.String(), f, o.String()).Inc()
}

func (m *Metrics) negotiationResult(medium Medium, s Settlement) {
	if m == nil {
		return
	}
	m.negotiationResults.WithLabelValues(medium.String(), s.String()).Inc()
}

func (m *Metrics) control(c CallControl, local bool) {
	if m == nil {
		return
	}
	dir := "received"
	if local {
		dir = "sent"
	}
	m.controls.WithLabelValues(c.String(), dir).Inc()
}

func (m *Metrics) frameSent(medium Medium) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(medium.String()).Inc()
}

func (m *Metrics) frameRejected(medium Medium, kind ErrorKind) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(medium.String(), kind.String()).Inc()
}

func (m *Metrics) frameReceived(medium Medium, surfaced bool) {
	if m == nil {
		return
	}
	result := "discarded"
	if surfaced {
		result = "surfaced"
	}
	m.framesReceived.WithLabelValues(medium.String(), result).Inc()
}

func (m *Metrics) errorReported(kind ErrorKind) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
