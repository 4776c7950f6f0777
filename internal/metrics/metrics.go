package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_triggered_total",
			Help: "Total number of events triggered, by event type.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // success, failed, timeout, error
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_delivery_latency_seconds",
			Help:    "Webhook POST latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // http_4xx, http_5xx, timeout, network, other
	)

	EventsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_events_exhausted_total",
			Help: "Total number of events that failed permanently after exhausting retries.",
		},
	)

	EmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_emails_total",
			Help: "Total side-channel emails by outcome.",
		},
		[]string{"outcome"}, // sent, rate_limited, failed
	)

	PendingBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_pending_events",
			Help: "Events currently in pending status.",
		},
	)
)

// MustRegister registers all collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsTriggeredTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		EventsExhaustedTotal,
		EmailsTotal,
		PendingBacklog,
	)
}

// RecordDelivery records one delivery attempt outcome.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordRetry records a scheduled retry.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordEventTriggered records an accepted trigger call.
func RecordEventTriggered(eventType string) {
	EventsTriggeredTotal.WithLabelValues(eventType).Inc()
}

// RecordEmail records a side-channel email outcome.
func RecordEmail(outcome string) {
	EmailsTotal.WithLabelValues(outcome).Inc()
}
