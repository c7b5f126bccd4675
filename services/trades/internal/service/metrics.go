package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Transitions          *prometheus.CounterVec
	TransitionLatency    *prometheus.HistogramVec
	BookingConfirmations *prometheus.CounterVec
	EventPublishFailures *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_transitions_total",
				Help: "Trade workflow transition attempts by action and outcome.",
			},
			[]string{"action", "result"},
		),
		TransitionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trade_transition_latency_seconds",
				Help:    "Latency of a trade transition including its transaction.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		BookingConfirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_booking_confirmations_total",
				Help: "Counterparty booking confirmations consumed, by outcome.",
			},
			[]string{"status"},
		),
		EventPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_event_publish_failures_total",
				Help: "Lifecycle events that could not be published after commit.",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(
		m.Transitions,
		m.TransitionLatency,
		m.BookingConfirmations,
		m.EventPublishFailures,
	)
	return m
}
