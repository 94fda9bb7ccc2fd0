// Package pipeline defines the pipeline data model and the execution engine.
package pipeline

import (
	"time"

	"git.home.luguber.info/inful/shipyard/internal/graph"
)

// Status is the lifecycle state of a single stage within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Reason qualifies a Failed or Skipped status.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStepFailed       Reason = "step_failed"
	ReasonTimeout          Reason = "timeout"
	ReasonCanceled         Reason = "canceled"
	ReasonDependencyFailed Reason = "dependency_failed"
	ReasonCondition        Reason = "condition_not_met"
)

// StageKind selects which executor a stage is dispatched to.
type StageKind string

const (
	// KindRun executes the stage's shell steps.
	KindRun StageKind = "run"
	// KindBuild builds the container image and pushes it to the registry.
	KindBuild StageKind = "build"
	// KindDeploy renders the deployment descriptor and applies it remotely.
	KindDeploy StageKind = "deploy"
	// KindBuildAndDeploy performs build, push and remote apply as one stage.
	KindBuildAndDeploy StageKind = "build_and_deploy"
)

// EventKind is the trigger event type.
type EventKind string

const (
	EventPush   EventKind = "push"
	EventManual EventKind = "manual"
)

// Step is a single command-level action within a stage.
type Step struct {
	Name string
	Run  string
	// Env holds literal environment entries for the step process.
	Env map[string]string
	// Secrets maps environment variable names to secret names; values are
	// resolved at execution time and scoped to this step's process only.
	Secrets map[string]string
	// Timeout bounds step execution; zero means no timeout.
	Timeout time.Duration
}

// Condition is an optional per-stage run condition evaluated against the
// trigger context.
type Condition struct {
	Events []EventKind
	Branch string
}

// Matches reports whether the condition admits the trigger context.
func (c *Condition) Matches(tc TriggerContext) bool {
	if c == nil {
		return true
	}
	if len(c.Events) > 0 {
		found := false
		for _, e := range c.Events {
			if e == tc.Event {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Branch != "" && tc.Event == EventPush && c.Branch != tc.Branch {
		return false
	}
	return true
}

// Stage is a named, orderable unit of pipeline work.
type Stage struct {
	Name  string
	Kind  StageKind
	Needs []string
	Steps []Step
	When  *Condition
}

// Trigger is the pipeline-level trigger predicate: the pipeline runs for a
// push to the designated branch, or for a manual invocation.
type Trigger struct {
	Events []EventKind
	Branch string
}

// Matches reports whether the trigger context starts a run.
func (t Trigger) Matches(tc TriggerContext) bool {
	cond := Condition{Events: t.Events, Branch: t.Branch}
	return cond.Matches(tc)
}

// TriggerContext describes the event that initiated a run.
type TriggerContext struct {
	Event  EventKind
	Branch string
	Commit string // full commit hash; may be empty outside a git work tree
}

// ImageTag derives the image tag for this trigger: the short commit hash, or
// "latest" when no commit is known.
func (tc TriggerContext) ImageTag() string {
	if len(tc.Commit) >= 12 {
		return tc.Commit[:12]
	}
	if tc.Commit != "" {
		return tc.Commit
	}
	return "latest"
}

// Pipeline is an immutable, ordered set of stages with a trigger predicate.
type Pipeline struct {
	Name    string
	Trigger Trigger
	Stages  []Stage
}

// Stage returns the named stage, or nil.
func (p *Pipeline) Stage(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// Graph builds the dependency graph over the pipeline's stages.
func (p *Pipeline) Graph() *graph.Graph {
	g := graph.New()
	for _, s := range p.Stages {
		g.Add(s.Name, s.Needs...)
	}
	return g
}

// StepSecretNames returns the distinct secret names referenced by steps, in
// first-reference order.
func (p *Pipeline) StepSecretNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, stage := range p.Stages {
		for _, step := range stage.Steps {
			for _, secret := range step.Secrets {
				if !seen[secret] {
					seen[secret] = true
					names = append(names, secret)
				}
			}
		}
	}
	return names
}

// StepResult records the outcome of one step, including how many attempts a
// retried operation took.
type StepResult struct {
	Name     string
	ExitCode int
	Attempts int
	Reason   Reason
}

// RunResult is the per-stage outcome of a run. Output is captured with all
// known secret values redacted before it is stored anywhere.
type RunResult struct {
	Stage      string
	Status     Status
	Reason     Reason
	ExitCode   int
	FailedStep int // index of the failing step, -1 otherwise
	Output     string
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time spent in the stage.
func (r RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
