package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics
)

// RPC returns the lazily-initialised JSON-RPC metrics registry.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and JSON-RPC error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "verto",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting or authentication.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records one handled request. code is the JSON-RPC error code, or
// zero on success.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "unauthorized".
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// EscrowMetrics tracks escrow lifecycle operations.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	custody    prometheus.Gauge
}

// Escrow returns the escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations applied, segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "escrow",
				Name:      "failures_total",
				Help:      "Rejected escrow operations segmented by escrow error code.",
			}, []string{"operation", "code"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "verto",
				Subsystem: "escrow",
				Name:      "custody_balance",
				Help:      "Native balance held by the escrow policy after the last block.",
			}),
		}
		prometheus.MustRegister(escrowRegistry.operations, escrowRegistry.failures, escrowRegistry.custody)
	})
	return escrowRegistry
}

// RecordOperation counts an applied escrow transaction. A zero code on a
// failed operation is reported as "uncoded".
func (m *EscrowMetrics) RecordOperation(operation string, success bool, code uint32) {
	if m == nil {
		return
	}
	if success {
		m.operations.WithLabelValues(operation, "success").Inc()
		return
	}
	m.operations.WithLabelValues(operation, "failure").Inc()
	label := "uncoded"
	if code != 0 {
		label = strconv.FormatUint(uint64(code), 10)
	}
	m.failures.WithLabelValues(operation, label).Inc()
}

// SetCustody reports the policy balance. Values beyond float precision are
// approximated.
func (m *EscrowMetrics) SetCustody(balance float64) {
	if m == nil {
		return
	}
	m.custody.Set(balance)
}

// ChainMetrics covers block production and the mempool.
type ChainMetrics struct {
	blocks   prometheus.Counter
	height   prometheus.Gauge
	txs      *prometheus.CounterVec
	apply    prometheus.Histogram
	backlog  *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

// Chain returns the block production metrics registry.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			blocks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "chain",
				Name:      "blocks_total",
				Help:      "Blocks produced since start.",
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "verto",
				Subsystem: "chain",
				Name:      "height",
				Help:      "Height of the latest committed block.",
			}),
			txs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "chain",
				Name:      "transactions_total",
				Help:      "Applied transactions segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			apply: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "verto",
				Subsystem: "chain",
				Name:      "block_apply_seconds",
				Help:      "Time spent applying and committing one block.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			}),
			backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "verto",
				Subsystem: "mempool",
				Name:      "backlog",
				Help:      "Pending transactions segmented by lane.",
			}, []string{"lane"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "verto",
				Subsystem: "mempool",
				Name:      "rejected_total",
				Help:      "Transactions refused at admission segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			chainRegistry.blocks,
			chainRegistry.height,
			chainRegistry.txs,
			chainRegistry.apply,
			chainRegistry.backlog,
			chainRegistry.rejected,
		)
	})
	return chainRegistry
}

// RecordBlock records a committed block and its apply duration.
func (m *ChainMetrics) RecordBlock(height uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.blocks.Inc()
	m.height.Set(float64(height))
	m.apply.Observe(duration.Seconds())
}

// RecordTx counts one applied transaction.
func (m *ChainMetrics) RecordTx(txType string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.txs.WithLabelValues(txType, outcome).Inc()
}

// SetBacklog replaces the per-lane mempool gauges.
func (m *ChainMetrics) SetBacklog(lanes []string, backlog map[string]int) {
	if m == nil {
		return
	}
	for _, lane := range lanes {
		m.backlog.WithLabelValues(lane).Set(float64(backlog[lane]))
	}
}

// RecordRejected counts a transaction refused at admission.
func (m *ChainMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
