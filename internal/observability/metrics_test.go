package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnCounter.WithLabelValues("openai", "gpt-4o", "success").Inc()
	m.ToolExecutionCounter.WithLabelValues("bash", "error").Add(2)
	m.QueueDepth.WithLabelValues("sess-1").Set(3)
	m.ActiveTurns.Inc()

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Fatalf("turn counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("bash", "error")); got != 2 {
		t.Fatalf("tool counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("sess-1")); got != 3 {
		t.Fatalf("queue depth = %v, want 3", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestNewMetricsSeparateRegistries(t *testing.T) {
	// Two instances must not collide when given independent registries.
	_ = NewMetrics(prometheus.NewRegistry())
	_ = NewMetrics(prometheus.NewRegistry())
}
