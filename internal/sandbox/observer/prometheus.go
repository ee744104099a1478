package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phcode"

// PrometheusRecorder exports sandbox metrics through client_golang.
type PrometheusRecorder struct {
	rejected     *prometheus.CounterVec
	compiles     *prometheus.CounterVec
	compileTime  prometheus.Histogram
	runs         *prometheus.CounterVec
	runTime      prometheus.Histogram
	runMemory    prometheus.Histogram
	jobs         *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobsInFlight prometheus.Gauge
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screen_rejections_total",
			Help:      "Sources rejected by the pre-screener, by pattern.",
		}, []string{"pattern"}),
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Compilations by result.",
		}, []string{"ok", "timed_out"}),
		compileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Wall time spent in the toolchain.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Program executions by outcome.",
		}, []string{"outcome"}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sandboxed program runs.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		runMemory: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_peak_memory_bytes",
			Help:      "Peak resident memory of sandboxed programs when known.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by result kind.",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End to end job latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently holding an execution slot.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.rejected, r.compiles, r.compileTime, r.runs, r.runTime, r.runMemory, r.jobs, r.jobDuration, r.jobsInFlight,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveRejected(_ context.Context, pattern string) {
	r.rejected.WithLabelValues(pattern).Inc()
}

func (r *PrometheusRecorder) ObserveCompile(_ context.Context, ok bool, timedOut bool, duration time.Duration) {
	r.compiles.WithLabelValues(strconv.FormatBool(ok), strconv.FormatBool(timedOut)).Inc()
	r.compileTime.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveRun(_ context.Context, outcome string, wall time.Duration, memoryKB int64) {
	r.runs.WithLabelValues(outcome).Inc()
	r.runTime.Observe(wall.Seconds())
	if memoryKB > 0 {
		r.runMemory.Observe(float64(memoryKB) * 1024)
	}
}

func (r *PrometheusRecorder) ObserveJob(_ context.Context, kind string, duration time.Duration) {
	r.jobs.WithLabelValues(kind).Inc()
	r.jobDuration.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) SetInFlight(n int64) {
	r.jobsInFlight.Set(float64(n))
}
