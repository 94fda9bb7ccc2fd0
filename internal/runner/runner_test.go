package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/shipyard/internal/pipeline"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

func newTestRunner(values map[string]string) *Runner {
	return New(secrets.NewStaticStore(values)).WithBaseEnv([]string{"PATH=/usr/bin:/bin"})
}

func TestRunSucceeds(t *testing.T) {
	r := newTestRunner(nil)
	stage := pipeline.Stage{
		Name: "test",
		Kind: pipeline.KindRun,
		Steps: []pipeline.Step{
			{Name: "hello", Run: "echo hello"},
			{Name: "world", Run: "echo world"},
		},
	}

	res := r.Run(context.Background(), stage)
	assert.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, -1, res.FailedStep)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "world")
	require.Len(t, res.Steps, 2)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

// TestRunFailFast: the stage aborts on the first nonzero exit and reports
// the failing step's exit code.
func TestRunFailFast(t *testing.T) {
	r := newTestRunner(nil)
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "ok", Run: "true"},
			{Name: "boom", Run: "exit 3"},
			{Name: "never", Run: "echo should not run"},
		},
	}

	res := r.Run(context.Background(), stage)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.ReasonStepFailed, res.Reason)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 1, res.FailedStep)
	assert.NotContains(t, res.Output, "should not run")
	require.Len(t, res.Steps, 2)
	assert.Equal(t, 3, res.Steps[1].ExitCode)
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(nil)
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "slow", Run: "sleep 5", Timeout: 50 * time.Millisecond},
		},
	}

	start := time.Now()
	res := r.Run(context.Background(), stage)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.ReasonTimeout, res.Reason)
	assert.Equal(t, 0, res.FailedStep)
}

func TestRunCanceled(t *testing.T) {
	r := newTestRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	stage := pipeline.Stage{
		Name:  "test",
		Steps: []pipeline.Step{{Name: "slow", Run: "sleep 5"}},
	}
	res := r.Run(ctx, stage)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.ReasonCanceled, res.Reason)
}

func TestSecretInjectionScopedToStep(t *testing.T) {
	r := newTestRunner(map[string]string{"API_TOKEN": "tok-abcdef"})
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "with-secret", Run: "test \"$TOKEN\" = tok-abcdef", Secrets: map[string]string{"TOKEN": "API_TOKEN"}},
			{Name: "without-secret", Run: "test -z \"$TOKEN\""},
		},
	}

	res := r.Run(context.Background(), stage)
	assert.Equal(t, pipeline.StatusSucceeded, res.Status, "output: %s", res.Output)
}

// TestOutputRedaction: a step that echoes a secret must not leak it into the
// persisted result.
func TestOutputRedaction(t *testing.T) {
	r := newTestRunner(map[string]string{"API_TOKEN": "tok-abcdef"})
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "leaky", Run: "echo \"token is $TOKEN\"", Secrets: map[string]string{"TOKEN": "API_TOKEN"}},
		},
	}

	res := r.Run(context.Background(), stage)
	require.Equal(t, pipeline.StatusSucceeded, res.Status)
	assert.NotContains(t, res.Output, "tok-abcdef")
	assert.Contains(t, res.Output, "token is "+secrets.Mask)
}

func TestMissingSecretFailsStage(t *testing.T) {
	r := newTestRunner(nil)
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "needs-secret", Run: "true", Secrets: map[string]string{"TOKEN": "ABSENT"}},
		},
	}

	res := r.Run(context.Background(), stage)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, 0, res.FailedStep)
	assert.Contains(t, res.Output, "ABSENT")
}

func TestLiteralEnvEntries(t *testing.T) {
	r := newTestRunner(nil)
	stage := pipeline.Stage{
		Name: "test",
		Steps: []pipeline.Step{
			{Name: "env", Run: "test \"$MODE\" = production", Env: map[string]string{"MODE": "production"}},
		},
	}
	res := r.Run(context.Background(), stage)
	assert.Equal(t, pipeline.StatusSucceeded, res.Status, "output: %s", res.Output)
}
