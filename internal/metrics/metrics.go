// Package metrics 撮合服务 Prometheus 指标
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_latency_seconds",
		Help:    "Latency of order processing in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	ordersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_processed_total",
			Help: "Total number of orders processed, by order type and result status.",
		},
		[]string{"type", "status"},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Total number of executions created.",
		},
		[]string{"symbol"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Current number of resting orders.",
		},
		[]string{"symbol", "side"},
	)
	stopTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stop_orders_triggered_total",
			Help: "Total number of stop orders triggered.",
		},
		[]string{"symbol"},
	)
	sideEffectErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effect_errors_total",
			Help: "Total number of failed side effects after a match, by port.",
		},
		[]string{"port"},
	)
	streamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_errors_total",
		Help: "Total number of order stream read or processing errors.",
	})
	streamDLQ = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_dlq_total",
		Help: "Total number of order stream messages moved to the dead letter queue.",
	})
	streamPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_pending",
		Help: "Pending messages in the order stream consumer group.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			matchingLatency,
			ordersProcessed,
			executions,
			orderbookDepth,
			stopTriggered,
			sideEffectErrors,
			streamErrors,
			streamDLQ,
			streamPending,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveMatchingLatency records an order processing duration.
func ObserveMatchingLatency(d time.Duration) {
	Init()
	matchingLatency.Observe(d.Seconds())
}

// IncOrdersProcessed counts a processed order.
func IncOrdersProcessed(orderType, status string) {
	Init()
	ordersProcessed.WithLabelValues(orderType, status).Inc()
}

// IncExecutions counts an execution for a symbol.
func IncExecutions(symbol string) {
	Init()
	executions.WithLabelValues(symbol).Inc()
}

// SetOrderbookDepth sets the resting order count for a symbol and side.
func SetOrderbookDepth(symbol, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(symbol, side).Set(depth)
}

// AddStopTriggered counts triggered stop orders.
func AddStopTriggered(symbol string, n int) {
	Init()
	if n <= 0 {
		return
	}
	stopTriggered.WithLabelValues(symbol).Add(float64(n))
}

// IncSideEffectError counts a failed port call.
func IncSideEffectError(port string) {
	Init()
	sideEffectErrors.WithLabelValues(port).Inc()
}

func IncStreamError() {
	Init()
	streamErrors.Inc()
}

func IncStreamDLQ() {
	Init()
	streamDLQ.Inc()
}

func SetStreamPending(n int64) {
	Init()
	streamPending.Set(float64(n))
}
