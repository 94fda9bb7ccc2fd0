package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/shipyard/internal/deploy"
	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/image"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

// fakeExecutor runs "run" stages in memory, failing the configured ones.
type fakeExecutor struct {
	fail map[string]bool
	ran  []string
}

func (f *fakeExecutor) Run(_ context.Context, stage Stage) RunResult {
	f.ran = append(f.ran, stage.Name)
	now := time.Now()
	res := RunResult{Stage: stage.Name, Status: StatusSucceeded, FailedStep: -1, StartedAt: now, FinishedAt: now.Add(time.Millisecond)}
	if f.fail[stage.Name] {
		res.Status = StatusFailed
		res.Reason = ReasonStepFailed
		res.ExitCode = 1
		res.FailedStep = 0
	}
	return res
}

type fakeBuilder struct {
	buildErr     error
	pushErr      error
	pushAttempts int
	built        []string
}

func (f *fakeBuilder) Build(_ context.Context, tag string) (image.Ref, error) {
	if f.buildErr != nil {
		return image.Ref{}, f.buildErr
	}
	f.built = append(f.built, tag)
	return image.Ref{Repository: "registry.example.com/acme/app", Tag: tag}, nil
}

func (f *fakeBuilder) Push(context.Context, image.Ref) (int, error) {
	attempts := f.pushAttempts
	if attempts == 0 {
		attempts = 1
	}
	return attempts, f.pushErr
}

type fakeDeployer struct {
	err             error
	connectAttempts int
	deployed        []image.Ref
}

func (f *fakeDeployer) Deploy(_ context.Context, ref image.Ref) (*deploy.Result, int, error) {
	attempts := f.connectAttempts
	if attempts == 0 {
		attempts = 1
	}
	if f.err != nil {
		return nil, attempts, f.err
	}
	f.deployed = append(f.deployed, ref)
	return &deploy.Result{DescriptorPath: "/srv/app/docker-compose.yml"}, attempts, nil
}

// recordingSink captures history callbacks.
type recordingSink struct {
	started  int
	stages   []RunResult
	finished []State
}

func (s *recordingSink) RunStarted(context.Context, string, string, TriggerContext, time.Time) error {
	s.started++
	return nil
}

func (s *recordingSink) StageFinished(_ context.Context, _ string, r RunResult) error {
	s.stages = append(s.stages, r)
	return nil
}

func (s *recordingSink) RunFinished(_ context.Context, _ string, state State, _ time.Time) error {
	s.finished = append(s.finished, state)
	return nil
}

func deployPipeline() *Pipeline {
	return &Pipeline{
		Name:    "exchange-rate",
		Trigger: Trigger{Events: []EventKind{EventPush, EventManual}, Branch: "main"},
		Stages: []Stage{
			{Name: "test", Kind: KindRun, Steps: []Step{{Run: "true"}}},
			{Name: "build_and_deploy", Kind: KindBuildAndDeploy, Needs: []string{"test"}},
		},
	}
}

func pushTrigger() TriggerContext {
	return TriggerContext{Event: EventPush, Branch: "main", Commit: "0123456789abcdef0123456789abcdef01234567"}
}

func TestRunSucceeds(t *testing.T) {
	exec := &fakeExecutor{}
	builder := &fakeBuilder{}
	deployer := &fakeDeployer{}
	sink := &recordingSink{}

	e := NewEngine(deployPipeline(), exec, nil).
		WithImagePublisher(builder).
		WithRemoteDeployer(deployer).
		WithSink(sink)

	res, err := e.Run(context.Background(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, StateSucceeded, e.State())

	// Image tagged with the short commit hash, then deployed.
	assert.Equal(t, []string{"0123456789ab"}, builder.built)
	require.Len(t, deployer.deployed, 1)
	assert.Equal(t, "registry.example.com/acme/app:0123456789ab", deployer.deployed[0].String())

	assert.Equal(t, 1, sink.started)
	assert.Equal(t, []State{StateSucceeded}, sink.finished)
	require.Len(t, sink.stages, 2)
}

// TestFailedTestSkipsDeploy is the hard-gate scenario: test fails, the
// deploy-bearing stage never starts, the pipeline fails with exit code 1.
func TestFailedTestSkipsDeploy(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{"test": true}}
	builder := &fakeBuilder{}
	deployer := &fakeDeployer{}

	e := NewEngine(deployPipeline(), exec, nil).
		WithImagePublisher(builder).
		WithRemoteDeployer(deployer)

	res, err := e.Run(context.Background(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.ExitCode())

	deployRes := res.StageResult("build_and_deploy")
	require.NotNil(t, deployRes)
	assert.Equal(t, StatusSkipped, deployRes.Status)
	assert.Equal(t, ReasonDependencyFailed, deployRes.Reason)

	assert.Empty(t, builder.built, "build must not run after failed test")
	assert.Empty(t, deployer.deployed)
}

// TestPushRecoveryScenario: push fails twice then succeeds on the third
// attempt; the pipeline succeeds and the push step records 3 attempts.
func TestPushRecoveryScenario(t *testing.T) {
	exec := &fakeExecutor{}
	builder := &fakeBuilder{pushAttempts: 3}
	deployer := &fakeDeployer{}

	e := NewEngine(deployPipeline(), exec, nil).
		WithImagePublisher(builder).
		WithRemoteDeployer(deployer)

	res, err := e.Run(context.Background(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)

	stage := res.StageResult("build_and_deploy")
	require.NotNil(t, stage)
	require.GreaterOrEqual(t, len(stage.Steps), 2)
	assert.Equal(t, "push", stage.Steps[1].Name)
	assert.Equal(t, 3, stage.Steps[1].Attempts)
}

// TestConnectTimeoutScenario: remote connect exhausts its retry, the stage
// and the pipeline fail with exit code 1.
func TestConnectTimeoutScenario(t *testing.T) {
	exec := &fakeExecutor{}
	builder := &fakeBuilder{}
	deployer := &fakeDeployer{
		err:             pipeerrors.NewNetworkError("connect timed out", deploy.ErrConnect),
		connectAttempts: 2,
	}

	e := NewEngine(deployPipeline(), exec, nil).
		WithImagePublisher(builder).
		WithRemoteDeployer(deployer)

	res, err := e.Run(context.Background(), pushTrigger())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.ExitCode())

	stage := res.StageResult("build_and_deploy")
	require.NotNil(t, stage)
	assert.Equal(t, StatusFailed, stage.Status)
}

func TestCycleIsConfigError(t *testing.T) {
	p := &Pipeline{
		Name:    "broken",
		Trigger: Trigger{Events: []EventKind{EventManual}},
		Stages: []Stage{
			{Name: "a", Needs: []string{"b"}},
			{Name: "b", Needs: []string{"a"}},
		},
	}
	e := NewEngine(p, &fakeExecutor{}, nil)

	_, err := e.Run(context.Background(), TriggerContext{Event: EventManual})
	require.Error(t, err)
	assert.Equal(t, pipeerrors.CategoryConfig, pipeerrors.CategoryOf(err))
	assert.Equal(t, pipeerrors.ExitConfig, pipeerrors.ExitCode(err))
}

func TestMissingSecretIsConfigError(t *testing.T) {
	p := deployPipeline()
	p.Stages[0].Steps = []Step{{Run: "true", Secrets: map[string]string{"T": "ABSENT_SECRET"}}}

	store := secrets.NewStaticStore(nil)
	e := NewEngine(p, &fakeExecutor{}, store)

	_, err := e.Run(context.Background(), pushTrigger())
	require.Error(t, err)
	assert.Equal(t, pipeerrors.ExitConfig, pipeerrors.ExitCode(err))
}

func TestTriggerMismatchIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	sink := &recordingSink{}
	e := NewEngine(deployPipeline(), exec, nil).WithSink(sink)

	res, err := e.Run(context.Background(), TriggerContext{Event: EventPush, Branch: "feature/x"})
	require.NoError(t, err)
	assert.False(t, res.TriggerMatched)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 0, res.ExitCode())
	assert.Empty(t, exec.ran)
	assert.Zero(t, sink.started)
}

// TestConditionSkipIsBenign: a stage skipped by its own run condition (and
// its dependents) does not fail the pipeline.
func TestConditionSkipIsBenign(t *testing.T) {
	p := &Pipeline{
		Name:    "conditional",
		Trigger: Trigger{Events: []EventKind{EventPush, EventManual}},
		Stages: []Stage{
			{Name: "test", Kind: KindRun},
			{Name: "announce", Kind: KindRun, When: &Condition{Events: []EventKind{EventPush}}},
			{Name: "after-announce", Kind: KindRun, Needs: []string{"announce"}},
		},
	}
	e := NewEngine(p, &fakeExecutor{}, nil)

	res, err := e.Run(context.Background(), TriggerContext{Event: EventManual})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, StatusSkipped, res.StageResult("announce").Status)
	assert.Equal(t, ReasonCondition, res.StageResult("announce").Reason)
	assert.Equal(t, StatusSkipped, res.StageResult("after-announce").Status)
	assert.Equal(t, ReasonCondition, res.StageResult("after-announce").Reason)
}

func TestSkipCascadesTransitively(t *testing.T) {
	p := &Pipeline{
		Name:    "chain",
		Trigger: Trigger{Events: []EventKind{EventManual}},
		Stages: []Stage{
			{Name: "a", Kind: KindRun},
			{Name: "b", Kind: KindRun, Needs: []string{"a"}},
			{Name: "c", Kind: KindRun, Needs: []string{"b"}},
			{Name: "independent", Kind: KindRun},
		},
	}
	exec := &fakeExecutor{fail: map[string]bool{"a": true}}
	e := NewEngine(p, exec, nil)

	res, err := e.Run(context.Background(), TriggerContext{Event: EventManual})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StatusSkipped, res.StageResult("b").Status)
	assert.Equal(t, ReasonDependencyFailed, res.StageResult("b").Reason)
	assert.Equal(t, StatusSkipped, res.StageResult("c").Status)
	assert.Equal(t, ReasonDependencyFailed, res.StageResult("c").Reason)
	// Sibling independent stages still run.
	assert.Equal(t, StatusSucceeded, res.StageResult("independent").Status)
	assert.Contains(t, exec.ran, "independent")
}

func TestCanceledContextStopsDispatch(t *testing.T) {
	p := &Pipeline{
		Name:    "canceled",
		Trigger: Trigger{Events: []EventKind{EventManual}},
		Stages:  []Stage{{Name: "a", Kind: KindRun}, {Name: "b", Kind: KindRun, Needs: []string{"a"}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine(p, &fakeExecutor{}, nil)
	res, err := e.Run(ctx, TriggerContext{Event: EventManual})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	for _, stage := range res.Stages {
		assert.Equal(t, StatusSkipped, stage.Status)
		assert.Equal(t, ReasonCanceled, stage.Reason)
	}
}

func TestStandaloneDeployUsesConfiguredRepository(t *testing.T) {
	p := &Pipeline{
		Name:    "deploy-only",
		Trigger: Trigger{Events: []EventKind{EventManual}},
		Stages:  []Stage{{Name: "deploy", Kind: KindDeploy}},
	}
	deployer := &fakeDeployer{}
	e := NewEngine(p, &fakeExecutor{}, nil).
		WithRemoteDeployer(deployer).
		WithRepository("registry.example.com/acme/app")

	res, err := e.Run(context.Background(), TriggerContext{Event: EventManual, Commit: "0123456789abcdef"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	require.Len(t, deployer.deployed, 1)
	assert.Equal(t, "registry.example.com/acme/app:0123456789ab", deployer.deployed[0].String())
}

// TestReusedEngineDoesNotCarryImageAcrossRuns: a long-lived engine serves
// consecutive runs; a deploy in run 2 must derive its image from run 2's
// trigger, not from an image built in run 1.
func TestReusedEngineDoesNotCarryImageAcrossRuns(t *testing.T) {
	p := &Pipeline{
		Name:    "exchange-rate",
		Trigger: Trigger{Events: []EventKind{EventPush, EventManual}},
		Stages: []Stage{
			{Name: "build", Kind: KindBuild, When: &Condition{Events: []EventKind{EventPush}}},
			{Name: "deploy", Kind: KindDeploy},
		},
	}
	deployer := &fakeDeployer{}
	e := NewEngine(p, &fakeExecutor{}, nil).
		WithImagePublisher(&fakeBuilder{}).
		WithRemoteDeployer(deployer).
		WithRepository("registry.example.com/acme/app")

	res, err := e.Run(context.Background(), TriggerContext{Event: EventPush, Commit: "aaaaaaaaaaaaaaaa"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	require.Len(t, deployer.deployed, 1)
	assert.Equal(t, "aaaaaaaaaaaa", deployer.deployed[0].Tag)

	// Manual run on a newer commit: the build stage is condition-skipped,
	// so the deploy must fall back to the configured repository and this
	// run's tag.
	res, err = e.Run(context.Background(), TriggerContext{Event: EventManual, Commit: "bbbbbbbbbbbbbbbb"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, StatusSkipped, res.StageResult("build").Status)
	require.Len(t, deployer.deployed, 2)
	assert.Equal(t, "registry.example.com/acme/app:bbbbbbbbbbbb", deployer.deployed[1].String())
}
