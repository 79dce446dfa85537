// Package metrics groups the Prometheus collectors for the invoice
// handler. Collectors are created through a registerer so tests can use
// an isolated registry.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes recorded by the consumer.
const (
	OutcomeProcessed  = "processed"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
)

// Metrics contains the queue and intake collectors.
type Metrics struct {
	QueuePending      *prometheus.GaugeVec
	QueueProcessing   *prometheus.GaugeVec
	DeadLetterSize    prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	WebhookRequests   *prometheus.CounterVec
	DeadLetterExpired prometheus.Counter
	BackfillEnqueued  prometheus.Counter
}

// New creates collectors registered on the default registry.
func New(serviceName string) *Metrics {
	return NewWith(prometheus.DefaultRegisterer, serviceName)
}

// NewWith creates collectors registered on reg. The service name is
// sanitized into a legal metric namespace, so hyphenated service names
// are safe here even though Prometheus rejects them in metric names.
func NewWith(reg prometheus.Registerer, serviceName string) *Metrics {
	ns := metricNamespace(serviceName)
	factory := promauto.With(reg)
	return &Metrics{
		QueuePending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "queue_pending",
				Help:      "Number of pending events per type",
			},
			[]string{"type"},
		),
		QueueProcessing: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "queue_processing",
				Help:      "Number of in-flight events per type",
			},
			[]string{"type"},
		),
		DeadLetterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "dead_letter_size",
				Help:      "Number of entries in the dead-letter queue",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "events_total",
				Help:      "Events handled by outcome",
			},
			[]string{"type", "outcome"},
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "handler_duration_seconds",
				Help:      "Event handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "webhook_requests_total",
				Help:      "Webhook intake requests by name and status",
			},
			[]string{"name", "status"},
		),
		DeadLetterExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dead_letter_expired_total",
				Help:      "Dead-letter entries removed after TTL expiry",
			},
		),
		BackfillEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "backfill_enqueued_total",
				Help:      "Events enqueued by the backfill reconciler",
			},
		),
	}
}

// metricNamespace folds a service name into the Prometheus name charset
// [a-zA-Z0-9_:]; anything else becomes an underscore.
func metricNamespace(serviceName string) string {
	var b strings.Builder
	b.Grow(len(serviceName))
	for _, r := range serviceName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ObserveHandler records one handler invocation.
func (m *Metrics) ObserveHandler(eventType, outcome string, duration time.Duration) {
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.HandlerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}
