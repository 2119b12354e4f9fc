package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutboxMetricsCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.ObserveEvent("payment.completed", OutboxPublished)
	m.ObserveEvent("payment.completed", OutboxPublished)
	m.ObserveEvent("", OutboxDeadLettered)
	m.ObserveBatch(40 * time.Millisecond)

	if got := testutil.ToFloat64(m.events.WithLabelValues("payment.completed", OutboxPublished)); got != 2 {
		t.Fatalf("expected 2 published, got %f", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("unknown", OutboxDeadLettered)); got != 1 {
		t.Fatalf("expected unlabeled event type to fall back to unknown, got %f", got)
	}
	if n := testutil.CollectAndCount(m.batch); n != 1 {
		t.Fatalf("expected batch histogram to be collected, got %d", n)
	}
}

func TestOutboxMetricsNilSafe(t *testing.T) {
	var m *OutboxMetrics
	m.ObserveEvent("payment.failed", OutboxRetried)
	m.ObserveBatch(time.Second)
	NewOutboxMetrics(nil).ObserveEvent("payment.failed", OutboxRetried)
}
