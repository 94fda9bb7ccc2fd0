// Package runner executes a stage's shell steps sequentially with per-step
// secret injection, timeouts and redacted output capture.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/shipyard/internal/pipeline"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

// Runner executes stages of kind "run". Steps run strictly in sequence and
// the stage aborts on the first failing step.
type Runner struct {
	store   *secrets.Store
	shell   string
	workDir string
	baseEnv []string
}

// New creates a runner resolving secrets from store.
func New(store *secrets.Store) *Runner {
	return &Runner{store: store, shell: "/bin/sh", baseEnv: os.Environ()}
}

// WithShell overrides the step shell.
func (r *Runner) WithShell(shell string) *Runner { r.shell = shell; return r }

// WithWorkDir sets the working directory for step processes.
func (r *Runner) WithWorkDir(dir string) *Runner { r.workDir = dir; return r }

// WithBaseEnv replaces the inherited environment (for testing).
func (r *Runner) WithBaseEnv(env []string) *Runner { r.baseEnv = env; return r }

// Run executes every step of the stage in order, fail-fast. The returned
// result's output has all known secret values redacted.
func (r *Runner) Run(ctx context.Context, stage pipeline.Stage) pipeline.RunResult {
	result := pipeline.RunResult{
		Stage:      stage.Name,
		Status:     pipeline.StatusRunning,
		FailedStep: -1,
		StartedAt:  time.Now(),
	}
	var output strings.Builder

	finish := func(status pipeline.Status, reason pipeline.Reason, exitCode, failedStep int) pipeline.RunResult {
		result.Status = status
		result.Reason = reason
		result.ExitCode = exitCode
		result.FailedStep = failedStep
		result.Output = r.store.Redactor().Redact(output.String())
		result.FinishedAt = time.Now()
		return result
	}

	for i, step := range stage.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i)
		}
		fmt.Fprintf(&output, "--- %s\n", name)

		env, err := r.stepEnv(step)
		if err != nil {
			fmt.Fprintf(&output, "%s\n", r.store.Redactor().RedactErr(err))
			result.Steps = append(result.Steps, pipeline.StepResult{Name: name, ExitCode: -1, Attempts: 0, Reason: pipeline.ReasonStepFailed})
			return finish(pipeline.StatusFailed, pipeline.ReasonStepFailed, -1, i)
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		cmd := exec.CommandContext(stepCtx, r.shell, "-c", step.Run)
		cmd.Env = env
		cmd.Dir = r.workDir
		out, runErr := cmd.CombinedOutput()
		if cancel != nil {
			cancel()
		}
		output.Write(out)

		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if runErr != nil {
			exitCode = -1
		}

		stepResult := pipeline.StepResult{Name: name, ExitCode: exitCode, Attempts: 1}

		switch {
		case runErr == nil:
			result.Steps = append(result.Steps, stepResult)
		case ctx.Err() != nil:
			stepResult.Reason = pipeline.ReasonCanceled
			result.Steps = append(result.Steps, stepResult)
			slog.Warn("Step canceled", "stage", stage.Name, "step", name)
			return finish(pipeline.StatusFailed, pipeline.ReasonCanceled, exitCode, i)
		case step.Timeout > 0 && stepCtx.Err() == context.DeadlineExceeded:
			stepResult.Reason = pipeline.ReasonTimeout
			result.Steps = append(result.Steps, stepResult)
			fmt.Fprintf(&output, "step timed out after %s\n", step.Timeout)
			slog.Warn("Step timed out", "stage", stage.Name, "step", name, "timeout", step.Timeout)
			return finish(pipeline.StatusFailed, pipeline.ReasonTimeout, exitCode, i)
		default:
			stepResult.Reason = pipeline.ReasonStepFailed
			result.Steps = append(result.Steps, stepResult)
			slog.Warn("Step failed", "stage", stage.Name, "step", name, "exit_code", exitCode)
			return finish(pipeline.StatusFailed, pipeline.ReasonStepFailed, exitCode, i)
		}
	}

	return finish(pipeline.StatusSucceeded, pipeline.ReasonNone, 0, -1)
}

// stepEnv assembles the step process environment: inherited base, literal
// entries, then resolved secrets. Secrets are scoped to this one process.
func (r *Runner) stepEnv(step pipeline.Step) ([]string, error) {
	env := append([]string(nil), r.baseEnv...)
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}
	for envName, secretName := range step.Secrets {
		value, err := r.store.Resolve(secretName)
		if err != nil {
			return nil, err
		}
		env = append(env, envName+"="+value)
	}
	return env, nil
}
