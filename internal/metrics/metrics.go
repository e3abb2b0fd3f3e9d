package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	EventsConsumed      *prometheus.CounterVec
	EventsDeadLettered  prometheus.Counter
	PaymentTransitions  *prometheus.CounterVec
	RejectedTransitions *prometheus.CounterVec
	OutboxRepublished   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_events_published_total",
				Help: "number of order events handed to the broker, by delivery result",
			},
			[]string{"event_type", "result"},
		),
		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_events_consumed_total",
				Help: "number of order event deliveries seen by the consumer, by outcome",
			},
			[]string{"outcome"},
		),
		EventsDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "order_events_dead_lettered_total",
				Help: "number of undecodable messages routed to the dead-letter topic",
			},
		),
		PaymentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_total",
				Help: "number of persisted payment status transitions",
			},
			[]string{"from", "to"},
		),
		RejectedTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_rejected_total",
				Help: "number of payment actions rejected by the state machine",
			},
			[]string{"action"},
		),
		OutboxRepublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_events_outbox_republished_total",
				Help: "number of reconciliation outbox republish attempts, by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsPublished,
			m.EventsConsumed,
			m.EventsDeadLettered,
			m.PaymentTransitions,
			m.RejectedTransitions,
			m.OutboxRepublished,
		)
	}
	return m
}

func (m *Metrics) Published(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Consumed(outcome string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.EventsDeadLettered.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "NONE"
	}
	m.PaymentTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Rejected(action string) {
	if m == nil {
		return
	}
	m.RejectedTransitions.WithLabelValues(action).Inc()
}

func (m *Metrics) Republished(result string) {
	if m == nil {
		return
	}
	m.OutboxRepublished.WithLabelValues(result).Inc()
}
