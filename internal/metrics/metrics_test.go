package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	if err := matchingLatency.Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsUpdates(t *testing.T) {
	Init()

	startExec := testutil.ToFloat64(executions.WithLabelValues("AAPL"))
	startOrders := testutil.ToFloat64(ordersProcessed.WithLabelValues("LIMIT", "FILLED"))
	startStops := testutil.ToFloat64(stopTriggered.WithLabelValues("AAPL"))
	startErrors := testutil.ToFloat64(sideEffectErrors.WithLabelValues("audit"))
	startCount := histogramSampleCount(t)

	ObserveMatchingLatency(25 * time.Millisecond)
	IncExecutions("AAPL")
	IncOrdersProcessed("LIMIT", "FILLED")
	SetOrderbookDepth("AAPL", "buy", 12)
	AddStopTriggered("AAPL", 2)
	AddStopTriggered("AAPL", 0)
	IncSideEffectError("audit")
	SetStreamPending(5)

	if got := testutil.ToFloat64(executions.WithLabelValues("AAPL")); got != startExec+1 {
		t.Fatalf("executions_total mismatch: got %v want %v", got, startExec+1)
	}
	if got := testutil.ToFloat64(ordersProcessed.WithLabelValues("LIMIT", "FILLED")); got != startOrders+1 {
		t.Fatalf("orders_processed_total mismatch: got %v", got)
	}
	if got := testutil.ToFloat64(stopTriggered.WithLabelValues("AAPL")); got != startStops+2 {
		t.Fatalf("stop_orders_triggered_total mismatch: got %v", got)
	}
	if got := testutil.ToFloat64(sideEffectErrors.WithLabelValues("audit")); got != startErrors+1 {
		t.Fatalf("side_effect_errors_total mismatch: got %v", got)
	}
	if got := testutil.ToFloat64(orderbookDepth.WithLabelValues("AAPL", "buy")); got != 12 {
		t.Fatalf("orderbook_depth mismatch: got %v want 12", got)
	}
	if got := testutil.ToFloat64(streamPending); got != 5 {
		t.Fatalf("stream_pending mismatch: got %v", got)
	}
	if got := histogramSampleCount(t); got != startCount+1 {
		t.Fatalf("matching_latency_seconds count mismatch: got %v want %v", got, startCount+1)
	}
}

func TestHandlerRegistersMetrics(t *testing.T) {
	Handler()
	IncExecutions("MSFT")
	IncOrdersProcessed("MARKET", "REJECTED")
	SetOrderbookDepth("MSFT", "sell", 7)
	ObserveMatchingLatency(10 * time.Millisecond)
	IncStreamError()
	IncStreamDLQ()

	count, err := testutil.GatherAndCount(
		registry,
		"matching_latency_seconds",
		"executions_total",
		"orders_processed_total",
		"orderbook_depth",
		"stream_errors_total",
		"stream_dlq_total",
	)
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count < 6 {
		t.Fatalf("expected metrics to be registered, got count %d", count)
	}
}
