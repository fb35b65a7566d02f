package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics covers the gateway's webhook queue and deliveries.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

var (
	webhookOnce     sync.Once
	webhookRegistry *WebhookMetrics
)

// Webhooks returns the singleton webhook registry. nil selects the default
// registerer.
func Webhooks(reg prometheus.Registerer) *WebhookMetrics {
	webhookOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome.",
			}, []string{"status"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_dropped_total",
				Help: "Webhook queue items discarded before delivery by reason.",
			}, []string{"reason"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_webhook_queue_depth",
				Help: "Webhook tasks waiting for delivery.",
			}),
		}
		reg.MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.dropped,
			webhookRegistry.queueDepth,
		)
	})
	return webhookRegistry
}

func (m *WebhookMetrics) RecordDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *WebhookMetrics) RecordDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(count))
}

func (m *WebhookMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
