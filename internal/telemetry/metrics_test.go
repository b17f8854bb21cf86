package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Emitted("FRESH")
	m.Emitted("FRESH")
	m.Emitted("STALE")
	m.RowsEvicted(3)
	m.RowsFlushed(2)
	m.Corrupted()
	m.StoreError("get")
	m.Fetched("success", 0.2)
	m.PayloadWritten(1024)

	if got := testutil.ToFloat64(m.Emissions.WithLabelValues("FRESH")); got != 2 {
		t.Errorf("fresh emissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Evicted); got != 3 {
		t.Errorf("evicted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Flushed); got != 2 {
		t.Errorf("flushed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Corruptions); got != 1 {
		t.Errorf("corruptions = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 7 {
		t.Errorf("gathered %d families, want 7", len(families))
	}
}

func TestNilMetrics_NoPanic(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Emitted("FRESH")
	m.Fetched("error", 1)
	m.StoreError("put")
	m.Corrupted()
	m.RowsEvicted(1)
	m.RowsFlushed(1)
	m.PayloadWritten(1)
}

func TestTracer_Default(t *testing.T) {
	t.Parallel()
	if Tracer(nil) == nil {
		t.Fatal("tracer should not be nil")
	}
}
