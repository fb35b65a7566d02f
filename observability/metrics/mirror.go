package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MirrorMetrics covers the gateway's copy of the node event log.
type MirrorMetrics struct {
	mirrored      *prometheus.CounterVec
	pollFailures  prometheus.Counter
	lastSequence  prometheus.Gauge
	idempotentHit prometheus.Counter
}

var (
	mirrorOnce     sync.Once
	mirrorRegistry *MirrorMetrics
)

// Mirror returns the singleton mirror registry. Collectors are registered with
// reg on first use; nil selects the default registerer.
func Mirror(reg prometheus.Registerer) *MirrorMetrics {
	mirrorOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		mirrorRegistry = &MirrorMetrics{
			mirrored: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_events_mirrored_total",
				Help: "Node events copied into the gateway store by type.",
			}, []string{"type"}),
			pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gateway_event_poll_failures_total",
				Help: "Failed polls of the node event log.",
			}),
			lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_event_last_sequence",
				Help: "Highest node event sequence stored by the gateway.",
			}),
			idempotentHit: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gateway_idempotent_replays_total",
				Help: "Transaction submissions answered from the idempotency cache.",
			}),
		}
		reg.MustRegister(
			mirrorRegistry.mirrored,
			mirrorRegistry.pollFailures,
			mirrorRegistry.lastSequence,
			mirrorRegistry.idempotentHit,
		)
	})
	return mirrorRegistry
}

func (m *MirrorMetrics) RecordMirrored(eventType string, sequence uint64) {
	if m == nil {
		return
	}
	m.mirrored.WithLabelValues(eventType).Inc()
	m.lastSequence.Set(float64(sequence))
}

func (m *MirrorMetrics) RecordPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

func (m *MirrorMetrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHit.Inc()
}
