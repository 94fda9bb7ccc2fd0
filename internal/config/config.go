// Package config loads and validates the pipeline definition.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/pipeline"
)

// Default secret names. Values for these are sourced from the environment
// (optionally via .env) and are never embedded in the configuration file.
const (
	DefaultRegistryUserSecret  = "REGISTRY_USERNAME"
	DefaultRegistryTokenSecret = "REGISTRY_TOKEN"
	DefaultDeployHostSecret    = "DEPLOY_HOST"
	DefaultDeployUserSecret    = "DEPLOY_USER"
	DefaultDeployKeySecret     = "DEPLOY_SSH_KEY"
)

// Config is the full pipeline definition file.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Stages   []StageConfig  `yaml:"stages"`
	Image    ImageConfig    `yaml:"image,omitempty"`
	Deploy   DeployConfig   `yaml:"deploy,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
	Daemon   DaemonConfig   `yaml:"daemon,omitempty"`
}

// PipelineConfig names the pipeline and declares its trigger predicate.
type PipelineConfig struct {
	Name    string        `yaml:"name"`
	Trigger TriggerConfig `yaml:"trigger"`
}

// TriggerConfig is the trigger predicate: event kinds plus a branch filter
// applied to push events.
type TriggerConfig struct {
	Events []string `yaml:"events"`
	Branch string   `yaml:"branch,omitempty"`
}

// StageConfig declares one stage.
type StageConfig struct {
	Name  string         `yaml:"name"`
	Kind  string         `yaml:"kind,omitempty"` // run|build|deploy|build_and_deploy, default run
	Needs []string       `yaml:"needs,omitempty"`
	When  *TriggerConfig `yaml:"when,omitempty"`
	Steps []StepConfig   `yaml:"steps,omitempty"`
}

// StepConfig declares one command within a stage.
type StepConfig struct {
	Name string `yaml:"name,omitempty"`
	Run  string `yaml:"run"`
	// Env holds literal environment entries.
	Env map[string]string `yaml:"env,omitempty"`
	// Secrets maps environment variable names to secret names.
	Secrets map[string]string `yaml:"secrets,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
}

// ImageConfig describes the container image to build and push.
type ImageConfig struct {
	Registry   string `yaml:"registry"`
	Repository string `yaml:"repository"`
	Context    string `yaml:"context,omitempty"`    // build context, default "."
	Dockerfile string `yaml:"dockerfile,omitempty"` // default "Dockerfile"
	// Secret names for registry credentials.
	UsernameSecret string `yaml:"username_secret,omitempty"`
	TokenSecret    string `yaml:"token_secret,omitempty"`
}

// DeployConfig describes the remote deployment target and service shape.
// Host, user and key are referenced by secret name only.
type DeployConfig struct {
	HostSecret     string            `yaml:"host_secret,omitempty"`
	UserSecret     string            `yaml:"user_secret,omitempty"`
	KeySecret      string            `yaml:"key_secret,omitempty"`
	Dir            string            `yaml:"dir,omitempty"` // remote deployment directory
	Service        string            `yaml:"service"`
	ContainerName  string            `yaml:"container_name,omitempty"`
	Ports          []string          `yaml:"ports,omitempty"` // "hostPort:containerPort"
	Env            map[string]string `yaml:"env,omitempty"`
	ConnectTimeout Duration          `yaml:"connect_timeout,omitempty"` // default 30s
}

// HistoryConfig locates the run history database.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"` // default "shipyard.db"
}

// DaemonConfig configures daemon mode.
type DaemonConfig struct {
	Listen   string     `yaml:"listen,omitempty"`   // default ":8090"
	Interval Duration   `yaml:"interval,omitempty"` // scheduled run interval, 0 = disabled
	NATS     NATSConfig `yaml:"nats,omitempty"`
}

// NATSConfig configures optional run-completion notifications.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"` // default "shipyard.runs"
}

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, expands, defaults and validates the configuration file. Any
// returned error is a config-category PipelineError (exit code 2).
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, pipeerrors.NewConfigError(fmt.Sprintf("read config file %s", configPath), err)
	}

	// Expand non-secret environment references in the YAML content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, pipeerrors.NewConfigError("parse config file", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "pipeline"
	}
	if len(c.Pipeline.Trigger.Events) == 0 {
		c.Pipeline.Trigger.Events = []string{string(pipeline.EventPush), string(pipeline.EventManual)}
	}
	if c.Image.Context == "" {
		c.Image.Context = "."
	}
	if c.Image.Dockerfile == "" {
		c.Image.Dockerfile = "Dockerfile"
	}
	if c.Image.UsernameSecret == "" {
		c.Image.UsernameSecret = DefaultRegistryUserSecret
	}
	if c.Image.TokenSecret == "" {
		c.Image.TokenSecret = DefaultRegistryTokenSecret
	}
	if c.Deploy.HostSecret == "" {
		c.Deploy.HostSecret = DefaultDeployHostSecret
	}
	if c.Deploy.UserSecret == "" {
		c.Deploy.UserSecret = DefaultDeployUserSecret
	}
	if c.Deploy.KeySecret == "" {
		c.Deploy.KeySecret = DefaultDeployKeySecret
	}
	if c.Deploy.Dir == "" {
		c.Deploy.Dir = "/srv/" + c.Pipeline.Name
	}
	if c.Deploy.ConnectTimeout == 0 {
		c.Deploy.ConnectTimeout = Duration(30 * time.Second)
	}
	if c.History.Path == "" {
		c.History.Path = "shipyard.db"
	}
	if c.Daemon.Listen == "" {
		c.Daemon.Listen = ":8090"
	}
	if c.Daemon.NATS.Subject == "" {
		c.Daemon.NATS.Subject = "shipyard.runs"
	}
	for i := range c.Stages {
		if c.Stages[i].Kind == "" {
			c.Stages[i].Kind = string(pipeline.KindRun)
		}
	}
}

var validKinds = map[string]bool{
	string(pipeline.KindRun):            true,
	string(pipeline.KindBuild):          true,
	string(pipeline.KindDeploy):         true,
	string(pipeline.KindBuildAndDeploy): true,
}

var validEvents = map[string]bool{
	string(pipeline.EventPush):   true,
	string(pipeline.EventManual): true,
}

// Validate performs the static checks that must pass before execution:
// known event kinds, unique stage names, known stage kinds, resolvable
// needs references and an acyclic dependency graph.
func (c *Config) Validate() error {
	for _, e := range c.Pipeline.Trigger.Events {
		if !validEvents[e] {
			return pipeerrors.NewConfigError(fmt.Sprintf("unknown trigger event %q", e), nil)
		}
	}
	if len(c.Stages) == 0 {
		return pipeerrors.NewConfigError("pipeline has no stages", nil)
	}

	seen := make(map[string]bool, len(c.Stages))
	needsDeploy := false
	for _, s := range c.Stages {
		if s.Name == "" {
			return pipeerrors.NewConfigError("stage without a name", nil)
		}
		if seen[s.Name] {
			return pipeerrors.NewConfigError(fmt.Sprintf("duplicate stage name %q", s.Name), nil)
		}
		seen[s.Name] = true
		if !validKinds[s.Kind] {
			return pipeerrors.NewConfigError(fmt.Sprintf("stage %s: unknown kind %q", s.Name, s.Kind), nil)
		}
		if s.Kind == string(pipeline.KindRun) && len(s.Steps) == 0 {
			return pipeerrors.NewConfigError(fmt.Sprintf("stage %s has no steps", s.Name), nil)
		}
		// Build and deploy stages run fixed command sequences; declared
		// steps would be ignored, so reject them outright.
		if s.Kind != string(pipeline.KindRun) && len(s.Steps) > 0 {
			return pipeerrors.NewConfigError(fmt.Sprintf("stage %s: steps are not allowed on kind %q", s.Name, s.Kind), nil)
		}
		for i, step := range s.Steps {
			if step.Run == "" {
				return pipeerrors.NewConfigError(fmt.Sprintf("stage %s step %d has no command", s.Name, i), nil)
			}
		}
		if s.When != nil {
			for _, e := range s.When.Events {
				if !validEvents[e] {
					return pipeerrors.NewConfigError(fmt.Sprintf("stage %s: unknown event %q in when", s.Name, e), nil)
				}
			}
		}
		switch s.Kind {
		case string(pipeline.KindBuild), string(pipeline.KindBuildAndDeploy):
			if c.Image.Repository == "" {
				return pipeerrors.NewConfigError(fmt.Sprintf("stage %s requires image.repository", s.Name), nil)
			}
		}
		switch s.Kind {
		case string(pipeline.KindDeploy), string(pipeline.KindBuildAndDeploy):
			needsDeploy = true
		}
	}
	if needsDeploy && c.Deploy.Service == "" {
		return pipeerrors.NewConfigError("deploy stage requires deploy.service", nil)
	}

	p := c.BuildPipeline()
	if _, err := p.Graph().TopologicalOrder(); err != nil {
		return pipeerrors.NewConfigError("invalid stage dependencies", err)
	}
	return nil
}

// BuildPipeline converts the configuration into the immutable pipeline model.
func (c *Config) BuildPipeline() *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		Name: c.Pipeline.Name,
		Trigger: pipeline.Trigger{
			Events: toEvents(c.Pipeline.Trigger.Events),
			Branch: c.Pipeline.Trigger.Branch,
		},
	}
	for _, s := range c.Stages {
		stage := pipeline.Stage{
			Name:  s.Name,
			Kind:  pipeline.StageKind(s.Kind),
			Needs: append([]string(nil), s.Needs...),
		}
		if s.When != nil {
			stage.When = &pipeline.Condition{Events: toEvents(s.When.Events), Branch: s.When.Branch}
		}
		for _, st := range s.Steps {
			stage.Steps = append(stage.Steps, pipeline.Step{
				Name:    st.Name,
				Run:     st.Run,
				Env:     st.Env,
				Secrets: st.Secrets,
				Timeout: st.Timeout.Std(),
			})
		}
		p.Stages = append(p.Stages, stage)
	}
	return p
}

// InfraSecretNames returns the secret names referenced outside step
// definitions: registry credentials and remote access, when the pipeline
// has stages that use them.
func (c *Config) InfraSecretNames() []string {
	var names []string
	hasBuild, hasDeploy := false, false
	for _, s := range c.Stages {
		switch s.Kind {
		case string(pipeline.KindBuild):
			hasBuild = true
		case string(pipeline.KindDeploy):
			hasDeploy = true
		case string(pipeline.KindBuildAndDeploy):
			hasBuild, hasDeploy = true, true
		}
	}
	if hasBuild {
		names = append(names, c.Image.UsernameSecret, c.Image.TokenSecret)
	}
	if hasDeploy {
		names = append(names, c.Deploy.HostSecret, c.Deploy.UserSecret, c.Deploy.KeySecret)
		if !hasBuild {
			names = append(names, c.Image.UsernameSecret, c.Image.TokenSecret)
		}
	}
	return names
}

func toEvents(raw []string) []pipeline.EventKind {
	events := make([]pipeline.EventKind, 0, len(raw))
	for _, e := range raw {
		events = append(events, pipeline.EventKind(e))
	}
	return events
}
