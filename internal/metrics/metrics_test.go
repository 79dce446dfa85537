package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewWithIsolatedRegistry(t *testing.T) {
	m := NewWith(prometheus.NewRegistry(), "test")

	m.QueuePending.WithLabelValues("InvoiceEnqueued").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueuePending.WithLabelValues("InvoiceEnqueued")))

	m.DeadLetterSize.Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DeadLetterSize))

	m.DeadLetterExpired.Add(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DeadLetterExpired))

	m.BackfillEnqueued.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackfillEnqueued))

	m.WebhookRequests.WithLabelValues("invoice-enqueued", "200").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookRequests.WithLabelValues("invoice-enqueued", "200")))
}

func TestNewWithHyphenatedServiceName(t *testing.T) {
	// The boot-time service name carries hyphens, which Prometheus
	// rejects in metric names; registration must sanitize, not panic.
	m := NewWith(prometheus.NewRegistry(), "mark-invoice-handler")

	m.QueuePending.WithLabelValues("InvoiceEnqueued").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueuePending.WithLabelValues("InvoiceEnqueued")))

	m.EventsTotal.WithLabelValues("InvoiceEnqueued", OutcomeProcessed).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsTotal.WithLabelValues("InvoiceEnqueued", OutcomeProcessed)))
}

func TestMetricNamespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mark-invoice-handler", "mark_invoice_handler"},
		{"plain_name", "plain_name"},
		{"with.dots and spaces", "with_dots_and_spaces"},
		{"ns:sub", "ns:sub"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, metricNamespace(tt.in), tt.in)
	}
}

func TestObserveHandler(t *testing.T) {
	m := NewWith(prometheus.NewRegistry(), "test")

	m.ObserveHandler("InvoiceEnqueued", OutcomeProcessed, 50*time.Millisecond)
	m.ObserveHandler("InvoiceEnqueued", OutcomeRetried, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsTotal.WithLabelValues("InvoiceEnqueued", OutcomeProcessed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsTotal.WithLabelValues("InvoiceEnqueued", OutcomeRetried)))
}
