package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/shipyard/internal/deploy"
	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/image"
	"git.home.luguber.info/inful/shipyard/internal/metrics"
	"git.home.luguber.info/inful/shipyard/internal/observability"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

// State is the engine's run lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateExecuting State = "executing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// StageExecutor runs stages of kind "run".
type StageExecutor interface {
	Run(ctx context.Context, stage Stage) RunResult
}

// ImagePublisher builds and pushes the container image.
type ImagePublisher interface {
	Build(ctx context.Context, tag string) (image.Ref, error)
	Push(ctx context.Context, ref image.Ref) (int, error)
}

// RemoteDeployer applies the desired service state for an image remotely.
type RemoteDeployer interface {
	Deploy(ctx context.Context, ref image.Ref) (*deploy.Result, int, error)
}

// Sink receives run and stage records as they are produced (history store).
type Sink interface {
	RunStarted(ctx context.Context, id, pipelineName string, tc TriggerContext, startedAt time.Time) error
	StageFinished(ctx context.Context, runID string, result RunResult) error
	RunFinished(ctx context.Context, runID string, state State, finishedAt time.Time) error
}

// NoopSink discards all records.
type NoopSink struct{}

func (NoopSink) RunStarted(context.Context, string, string, TriggerContext, time.Time) error {
	return nil
}
func (NoopSink) StageFinished(context.Context, string, RunResult) error    { return nil }
func (NoopSink) RunFinished(context.Context, string, State, time.Time) error { return nil }

// Result is the aggregate outcome of one pipeline run.
type Result struct {
	ID             string
	Pipeline       string
	State          State
	Trigger        TriggerContext
	TriggerMatched bool
	Stages         []RunResult // execution order, including skipped stages
	StartedAt      time.Time
	FinishedAt     time.Time
}

// ExitCode maps the run outcome to the process exit code contract.
func (r *Result) ExitCode() int {
	if r.State == StateSucceeded {
		return pipeerrors.ExitSuccess
	}
	return pipeerrors.ExitFailure
}

// StageResult returns the recorded result for a stage, or nil.
func (r *Result) StageResult(name string) *RunResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Engine orchestrates one pipeline run: dependency ordering, dispatch by
// stage kind, skip cascading and result aggregation. An Engine executes at
// most one run at a time; the design assumes a single active run per target.
type Engine struct {
	pipeline *Pipeline
	runner   StageExecutor
	builder  ImagePublisher
	deployer RemoteDeployer
	store    *secrets.Store
	sink     Sink
	recorder metrics.Recorder

	// extra secret names checked during preflight (registry and remote
	// credentials referenced outside step definitions)
	preflight []string
	// fallback repository for a standalone deploy stage with no prior build
	repository string

	state State
	ref   *image.Ref // image built earlier in this run
}

// NewEngine creates an engine for the pipeline.
func NewEngine(p *Pipeline, runner StageExecutor, store *secrets.Store) *Engine {
	return &Engine{
		pipeline: p,
		runner:   runner,
		store:    store,
		sink:     NoopSink{},
		recorder: metrics.NoopRecorder{},
		state:    StateIdle,
	}
}

// WithImagePublisher wires the image build/push executor.
func (e *Engine) WithImagePublisher(b ImagePublisher) *Engine { e.builder = b; return e }

// WithRemoteDeployer wires the remote deploy executor.
func (e *Engine) WithRemoteDeployer(d RemoteDeployer) *Engine { e.deployer = d; return e }

// WithSink wires a history sink.
func (e *Engine) WithSink(s Sink) *Engine { e.sink = s; return e }

// WithRecorder wires a metrics recorder.
func (e *Engine) WithRecorder(r metrics.Recorder) *Engine { e.recorder = r; return e }

// WithPreflightSecrets adds secret names checked before execution starts.
func (e *Engine) WithPreflightSecrets(names ...string) *Engine {
	e.preflight = append(e.preflight, names...)
	return e
}

// WithRepository sets the image repository used when a deploy stage runs
// without a preceding build stage in the same run.
func (e *Engine) WithRepository(repo string) *Engine { e.repository = repo; return e }

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Run executes the pipeline for the trigger context. A non-nil error is
// returned only for configuration problems detected before execution; stage
// failures are reported through the Result.
func (e *Engine) Run(ctx context.Context, tc TriggerContext) (*Result, error) {
	e.state = StateLoading
	e.ref = nil // an image built in an earlier run must not carry over
	result := &Result{
		ID:        uuid.New().String(),
		Pipeline:  e.pipeline.Name,
		Trigger:   tc,
		StartedAt: time.Now(),
	}
	ctx = observability.WithRunID(observability.WithPipeline(ctx, e.pipeline.Name), result.ID)

	g := e.pipeline.Graph()
	order, err := g.TopologicalOrder()
	if err != nil {
		e.state = StateFailed
		return nil, pipeerrors.NewConfigError("invalid stage dependencies", err)
	}

	if e.store != nil {
		names := append(e.pipeline.StepSecretNames(), e.preflight...)
		if err := e.store.Check(names); err != nil {
			e.state = StateFailed
			return nil, err
		}
	}

	if !e.pipeline.Trigger.Matches(tc) {
		observability.Info(ctx, "Trigger does not match pipeline, nothing to do",
			slog.String("event", string(tc.Event)), slog.String("branch", tc.Branch))
		e.state = StateSucceeded
		result.State = StateSucceeded
		result.FinishedAt = time.Now()
		return result, nil
	}
	result.TriggerMatched = true

	e.state = StateExecuting
	if err := e.sink.RunStarted(ctx, result.ID, e.pipeline.Name, tc, result.StartedAt); err != nil {
		observability.Warn(ctx, "Failed to record run start", slog.String("error", err.Error()))
	}
	observability.Info(ctx, "Run started",
		slog.String("event", string(tc.Event)), slog.String("branch", tc.Branch), slog.String("commit", tc.Commit))

	statuses := make(map[string]Status, len(order))
	// Stages doomed by an upstream failure, filled via the graph's
	// transitive dependents whenever a stage fails.
	hardSkip := make(map[string]bool, len(order))
	hardFailure := false

	for _, name := range order {
		stage := e.pipeline.Stage(name)
		stageCtx := observability.WithStage(ctx, name)

		var res RunResult
		switch {
		case ctx.Err() != nil:
			res = skippedResult(name, ReasonCanceled)
			hardFailure = true
		case hardSkip[name]:
			res = skippedResult(name, ReasonDependencyFailed)
		case e.needsBlocked(stage, statuses):
			// Every non-succeeded dependency was a benign condition
			// skip, so this skip does not fail the pipeline either.
			res = skippedResult(name, ReasonCondition)
		case !stage.When.Matches(tc):
			observability.Info(stageCtx, "Stage condition not met, skipping")
			res = skippedResult(name, ReasonCondition)
		default:
			observability.Info(stageCtx, "Stage started", slog.String("kind", string(stage.Kind)))
			res = e.dispatch(stageCtx, *stage, tc)
			if res.Status == StatusFailed {
				hardFailure = true
				for dep := range g.TransitiveDependents(name) {
					hardSkip[dep] = true
				}
			}
		}

		statuses[name] = res.Status
		result.Stages = append(result.Stages, res)

		e.recorder.IncStageResult(name, string(res.Status))
		if d := res.Duration(); d > 0 {
			e.recorder.ObserveStageDuration(name, d)
		}
		if err := e.sink.StageFinished(ctx, result.ID, res); err != nil {
			observability.Warn(ctx, "Failed to record stage result", slog.String("error", err.Error()))
		}
		observability.Info(stageCtx, "Stage finished",
			slog.String("status", string(res.Status)), slog.String("reason", string(res.Reason)))
	}

	result.FinishedAt = time.Now()
	if hardFailure {
		e.state = StateFailed
	} else {
		e.state = StateSucceeded
	}
	result.State = e.state

	e.recorder.ObserveRunDuration(result.FinishedAt.Sub(result.StartedAt))
	e.recorder.IncRunOutcome(string(e.state))
	if err := e.sink.RunFinished(ctx, result.ID, e.state, result.FinishedAt); err != nil {
		observability.Warn(ctx, "Failed to record run end", slog.String("error", err.Error()))
	}
	observability.Info(ctx, "Run finished", slog.String("state", string(e.state)))
	return result, nil
}

// needsBlocked reports whether any dependency did not succeed.
func (e *Engine) needsBlocked(stage *Stage, statuses map[string]Status) bool {
	for _, dep := range stage.Needs {
		if statuses[dep] != StatusSucceeded {
			return true
		}
	}
	return false
}

func (e *Engine) dispatch(ctx context.Context, stage Stage, tc TriggerContext) RunResult {
	switch stage.Kind {
	case KindRun, "":
		return e.runner.Run(ctx, stage)
	case KindBuild:
		return e.runBuild(ctx, stage, tc)
	case KindDeploy:
		return e.runDeploy(ctx, stage, tc, nil)
	case KindBuildAndDeploy:
		res := e.runBuild(ctx, stage, tc)
		if res.Status != StatusSucceeded {
			return res
		}
		return e.runDeploy(ctx, stage, tc, &res)
	default:
		return failedResult(stage.Name, fmt.Sprintf("unknown stage kind %q", stage.Kind))
	}
}

// runBuild executes an image build followed by a push, recording each as a
// synthetic step of the stage.
func (e *Engine) runBuild(ctx context.Context, stage Stage, tc TriggerContext) RunResult {
	result := RunResult{Stage: stage.Name, Status: StatusRunning, FailedStep: -1, StartedAt: time.Now()}
	if e.builder == nil {
		return failedResult(stage.Name, "no image builder configured")
	}

	tag := tc.ImageTag()
	ref, err := e.builder.Build(ctx, tag)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = ReasonStepFailed
		result.ExitCode = 1
		result.FailedStep = 0
		result.Output = err.Error()
		result.Steps = []StepResult{{Name: "build", ExitCode: 1, Attempts: 1, Reason: ReasonStepFailed}}
		result.FinishedAt = time.Now()
		return result
	}
	result.Steps = []StepResult{{Name: "build", Attempts: 1}}
	e.ref = &ref

	attempts, err := e.builder.Push(ctx, ref)
	for i := 1; i < attempts; i++ {
		e.recorder.IncPushRetry()
	}
	step := StepResult{Name: "push", Attempts: attempts}
	if err != nil {
		step.ExitCode = 1
		step.Reason = ReasonStepFailed
		result.Steps = append(result.Steps, step)
		result.Status = StatusFailed
		result.Reason = ReasonStepFailed
		result.ExitCode = 1
		result.FailedStep = 1
		result.Output = err.Error()
		result.FinishedAt = time.Now()
		return result
	}
	result.Steps = append(result.Steps, step)
	result.Status = StatusSucceeded
	result.Output = fmt.Sprintf("built and pushed %s\n", ref)
	result.FinishedAt = time.Now()
	return result
}

// runDeploy applies the current image remotely. When prior is non-nil the
// deploy continues a build_and_deploy stage and appends to its step list.
func (e *Engine) runDeploy(ctx context.Context, stage Stage, tc TriggerContext, prior *RunResult) RunResult {
	var result RunResult
	if prior != nil {
		result = *prior
	} else {
		result = RunResult{Stage: stage.Name, Status: StatusRunning, FailedStep: -1, StartedAt: time.Now()}
	}
	if e.deployer == nil {
		return failedResult(stage.Name, "no remote deployer configured")
	}

	ref := e.currentRef(tc)
	if ref == nil {
		return failedResult(stage.Name, "deploy stage requires a built image or a configured repository")
	}

	res, connectAttempts, err := e.deployer.Deploy(ctx, *ref)
	for i := 1; i < connectAttempts; i++ {
		e.recorder.IncConnectRetry()
	}
	step := StepResult{Name: "deploy", Attempts: connectAttempts}
	if err != nil {
		step.ExitCode = 1
		step.Reason = ReasonStepFailed
		result.Steps = append(result.Steps, step)
		result.Status = StatusFailed
		result.Reason = ReasonStepFailed
		result.ExitCode = 1
		result.FailedStep = len(result.Steps) - 1
		result.Output += err.Error()
		result.FinishedAt = time.Now()
		return result
	}
	result.Steps = append(result.Steps, step)
	result.Status = StatusSucceeded
	if res != nil {
		result.Output += fmt.Sprintf("applied %s to %s\n", ref, res.DescriptorPath)
	}
	result.FinishedAt = time.Now()
	return result
}

// currentRef returns the image built earlier in this run, or one derived
// from the configured repository and trigger tag.
func (e *Engine) currentRef(tc TriggerContext) *image.Ref {
	if e.ref != nil {
		return e.ref
	}
	if e.repository != "" {
		return &image.Ref{Repository: e.repository, Tag: tc.ImageTag()}
	}
	return nil
}

func skippedResult(stage string, reason Reason) RunResult {
	now := time.Now()
	return RunResult{Stage: stage, Status: StatusSkipped, Reason: reason, FailedStep: -1, StartedAt: now, FinishedAt: now}
}

func failedResult(stage, msg string) RunResult {
	now := time.Now()
	return RunResult{
		Stage: stage, Status: StatusFailed, Reason: ReasonStepFailed,
		ExitCode: 1, FailedStep: -1, Output: msg, StartedAt: now, FinishedAt: now,
	}
}
