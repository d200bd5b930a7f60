package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prosthetic case counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	codesIssued    *prometheus.CounterVec
	codeCollisions prometheus.Counter
	messagesPosted *prometheus.CounterVec
}

// NewMetrics registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prosthetic_transitions_total",
			Help: "Status transitions applied to prosthetic cases.",
		}, []string{"from", "to"}),
		codesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prosthetic_codes_issued_total",
			Help: "Case codes issued, split by whether the time-derived fallback was used.",
		}, []string{"fallback"}),
		codeCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prosthetic_code_collisions_total",
			Help: "Random case code candidates rejected because they already existed.",
		}),
		messagesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prosthetic_messages_posted_total",
			Help: "Case messages posted, by sender role.",
		}, []string{"role"}),
	}
	reg.MustRegister(m.transitions, m.codesIssued, m.codeCollisions, m.messagesPosted)
	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CodeIssued(fallback bool) {
	if m == nil {
		return
	}
	m.codesIssued.WithLabelValues(strconv.FormatBool(fallback)).Inc()
}

func (m *Metrics) CodeCollision() {
	if m == nil {
		return
	}
	m.codeCollisions.Inc()
}

func (m *Metrics) MessagePosted(role string) {
	if m == nil {
		return
	}
	m.messagesPosted.WithLabelValues(role).Inc()
}
