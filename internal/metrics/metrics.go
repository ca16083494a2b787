// Package metrics defines the prometheus collectors of the delivery client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// Push event results.
const (
	PushApplied = "applied"
	PushHeld    = "held"
	PushIgnored = "ignored"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submitted      prometheus.Counter
	Outcomes       *prometheus.CounterVec
	InFlight       prometheus.Gauge
	RoundTrip      prometheus.Histogram
	PushEvents     *prometheus.CounterVec
	DuplicateJoins prometheus.Counter
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sokoni",
			Name:      "messages_submitted_total",
			Help:      "Messages submitted for delivery.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoni",
			Name:      "message_outcomes_total",
			Help:      "Terminal delivery outcomes by status.",
		}, []string{"status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sokoni",
			Name:      "messages_in_flight",
			Help:      "Messages waiting for a backend acknowledgment.",
		}),
		RoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sokoni",
			Name:      "send_round_trip_seconds",
			Help:      "Time from optimistic insert to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoni",
			Name:      "push_events_total",
			Help:      "Inbound push messages by how they were applied.",
		}, []string{"result"}),
		DuplicateJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sokoni",
			Name:      "duplicate_joins_total",
			Help:      "Join requests suppressed because the conversation was already joined.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Outcomes, m.InFlight, m.RoundTrip, m.PushEvents, m.DuplicateJoins)
	}
	return m
}

func (m *Metrics) ObserveSubmit() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
	m.InFlight.Inc()
}

func (m *Metrics) ObserveOutcome(status models.DeliveryStatus, seconds float64) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Outcomes.WithLabelValues(string(status)).Inc()
	m.RoundTrip.Observe(seconds)
}

func (m *Metrics) ObservePush(result string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDuplicateJoin() {
	if m == nil {
		return
	}
	m.DuplicateJoins.Inc()
}
