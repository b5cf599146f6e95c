package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CyclesTotal.WithLabelValues("succeeded").Inc()
	m.DecisionsTotal.WithLabelValues("increase").Add(2)
	m.ObserveStage(StageDecide, time.Now().Add(-time.Second))

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("expected 1 cycle, got %v", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("increase")); got != 2 {
		t.Fatalf("expected 2 decisions, got %v", got)
	}
	if n := testutil.CollectAndCount(m.StageDuration); n != 1 {
		t.Fatalf("expected one stage series, got %d", n)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}

func TestNilMetricsObserveStage(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageIngest, time.Now())
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	if ctx == nil {
		t.Fatal("nil context")
	}
	EndSpan(span, errors.New("boom"))
}
