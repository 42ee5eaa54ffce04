package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Resolved("approved")
	m.Resolved("approved")
	m.Resolved("auto_approved")
	m.Sweep(20*time.Millisecond, 2)
	m.Generated()
	m.Transition("paused")

	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues("approved")); got != 2 {
		t.Fatalf("approved=%v", got)
	}
	if got := testutil.ToFloat64(m.Resolutions.WithLabelValues("auto_approved")); got != 1 {
		t.Fatalf("auto_approved=%v", got)
	}
	if got := testutil.ToFloat64(m.SweepRuns); got != 1 {
		t.Fatalf("sweep runs=%v", got)
	}
	if got := testutil.ToFloat64(m.SweepRowFailures); got != 2 {
		t.Fatalf("row failures=%v", got)
	}
	if got := testutil.ToFloat64(m.InstancesGenerated); got != 1 {
		t.Fatalf("generated=%v", got)
	}
	if got := testutil.ToFloat64(m.TemplateTransitions.WithLabelValues("paused")); got != 1 {
		t.Fatalf("paused=%v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Resolved("approved")
	m.Sweep(time.Second, 1)
	m.Generated()
	m.Transition("ended")
}
