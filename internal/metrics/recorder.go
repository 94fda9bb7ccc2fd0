// Package metrics defines observability hooks for pipeline runs.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics impose no overhead unless a real implementation
// (Prometheus) is wired in, typically by daemon mode.
package metrics

import "time"

// Recorder defines observability hooks for run and stage metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStageResult(stage, status string)
	IncRunOutcome(outcome string) // outcome: succeeded|failed|skipped
	IncPushRetry()
	IncConnectRetry()
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)           {}
func (NoopRecorder) IncStageResult(string, string)              {}
func (NoopRecorder) IncRunOutcome(string)                       {}
func (NoopRecorder) IncPushRetry()                              {}
func (NoopRecorder) IncConnectRetry()                           {}
