package observer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusRecorder: %v", err)
	}
	ctx := context.Background()

	r.ObserveRejected(ctx, "system(")
	r.ObserveRejected(ctx, "system(")
	r.ObserveCompile(ctx, true, false, 300*time.Millisecond)
	r.ObserveCompile(ctx, false, true, 10*time.Second)
	r.ObserveRun(ctx, "Completed", 20*time.Millisecond, 2048)
	r.ObserveJob(ctx, "Completed", time.Second)
	r.SetInFlight(3)

	if got := testutil.ToFloat64(r.rejected.WithLabelValues("system(")); got != 2 {
		t.Fatalf("rejections = %v", got)
	}
	if got := testutil.ToFloat64(r.compiles.WithLabelValues("false", "true")); got != 1 {
		t.Fatalf("timed out compiles = %v", got)
	}
	if got := testutil.ToFloat64(r.runs.WithLabelValues("Completed")); got != 1 {
		t.Fatalf("runs = %v", got)
	}
	if got := testutil.ToFloat64(r.jobsInFlight); got != 3 {
		t.Fatalf("in flight = %v", got)
	}
	if n := testutil.CollectAndCount(r.runMemory); n != 1 {
		t.Fatalf("memory histogram series = %d", n)
	}
}

func TestPrometheusRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusRecorder(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r MetricsRecorder = NoopMetricsRecorder{}
	r.ObserveRun(context.Background(), "Completed", time.Millisecond, 0)
	r.SetInFlight(0)
}
