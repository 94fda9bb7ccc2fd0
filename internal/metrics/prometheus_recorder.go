package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration  *prom.HistogramVec
	runDuration    prom.Histogram
	stageResults   *prom.CounterVec
	runOutcome     *prom.CounterVec
	pushRetries    prom.Counter
	connectRetries prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "shipyard",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "shipyard",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "shipyard",
			Name:      "stage_results_total",
			Help:      "Stage result counts by status",
		}, []string{"stage", "status"}),
		runOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "shipyard",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by final state",
		}, []string{"outcome"}),
		pushRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: "shipyard",
			Name:      "push_retries_total",
			Help:      "Registry push retries (transient failures)",
		}),
		connectRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: "shipyard",
			Name:      "connect_retries_total",
			Help:      "Remote connect retries",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.runDuration, pr.stageResults, pr.runOutcome, pr.pushRetries, pr.connectRetries)
	return pr
}

func (pr *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	pr.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	pr.runDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncStageResult(stage, status string) {
	pr.stageResults.WithLabelValues(stage, status).Inc()
}

func (pr *PrometheusRecorder) IncRunOutcome(outcome string) {
	pr.runOutcome.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) IncPushRetry() { pr.pushRetries.Inc() }

func (pr *PrometheusRecorder) IncConnectRetry() { pr.connectRetries.Inc() }
