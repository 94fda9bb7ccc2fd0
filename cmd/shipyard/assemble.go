package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/shipyard/internal/config"
	"git.home.luguber.info/inful/shipyard/internal/daemon"
	"git.home.luguber.info/inful/shipyard/internal/deploy"
	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/history"
	"git.home.luguber.info/inful/shipyard/internal/image"
	"git.home.luguber.info/inful/shipyard/internal/metrics"
	"git.home.luguber.info/inful/shipyard/internal/pipeline"
	"git.home.luguber.info/inful/shipyard/internal/runner"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

// buildEngine assembles the execution engine from loaded configuration:
// step runner, image builder and remote deployer as the stage kinds require.
// Registry and remote credentials are resolved up front so that a missing
// secret fails before anything executes.
func buildEngine(cfg *config.Config, store *secrets.Store, rec metrics.Recorder, sink pipeline.Sink) (*pipeline.Engine, error) {
	p := cfg.BuildPipeline()
	engine := pipeline.NewEngine(p, runner.New(store), store).
		WithPreflightSecrets(cfg.InfraSecretNames()...).
		WithRepository(cfg.Image.Repository)
	if rec != nil {
		engine = engine.WithRecorder(rec)
	}
	if sink != nil {
		engine = engine.WithSink(sink)
	}

	hasBuild, hasDeploy := false, false
	for _, s := range cfg.Stages {
		switch pipeline.StageKind(s.Kind) {
		case pipeline.KindBuild:
			hasBuild = true
		case pipeline.KindDeploy:
			hasDeploy = true
		case pipeline.KindBuildAndDeploy:
			hasBuild, hasDeploy = true, true
		}
	}

	var creds image.Credentials
	if hasBuild || hasDeploy {
		username, err := store.Resolve(cfg.Image.UsernameSecret)
		if err != nil {
			return nil, err
		}
		token, err := store.Resolve(cfg.Image.TokenSecret)
		if err != nil {
			return nil, err
		}
		creds = image.Credentials{Username: username, Token: token}
	}

	if hasBuild {
		builder := image.NewBuilder(cfg.Image.Registry, cfg.Image.Repository, cfg.Image.Context, cfg.Image.Dockerfile, creds).
			WithRedactor(store.Redactor())
		engine = engine.WithImagePublisher(builder)
	}

	if hasDeploy {
		resolved, err := store.ResolveAll([]string{cfg.Deploy.HostSecret, cfg.Deploy.UserSecret, cfg.Deploy.KeySecret})
		if err != nil {
			return nil, err
		}
		target := deploy.Target{
			Host:      resolved[cfg.Deploy.HostSecret],
			User:      resolved[cfg.Deploy.UserSecret],
			SSHKeyPEM: resolved[cfg.Deploy.KeySecret],
			Dir:       cfg.Deploy.Dir,
		}
		dialer := deploy.NewSSHDialer(target, cfg.Deploy.ConnectTimeout.Std())
		deployer := deploy.NewDeployer(dialer, target, cfg.Image.Registry, creds).
			WithRedactor(store.Redactor()).
			WithParams(deploy.DescriptorParams{
				Service:       cfg.Deploy.Service,
				ContainerName: cfg.Deploy.ContainerName,
				Ports:         cfg.Deploy.Ports,
				Env:           cfg.Deploy.Env,
			})
		engine = engine.WithRemoteDeployer(deployer)
	}

	return engine, nil
}

// runOnce executes the pipeline a single time and returns the process exit
// code: 0 success, 1 execution failure, 2 configuration error.
func runOnce(ctx context.Context) int {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return pipeerrors.ExitCode(err)
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		slog.Error("Failed to open history store", "error", err)
		return pipeerrors.ExitCode(err)
	}
	defer store.Close()

	engine, err := buildEngine(cfg, secrets.NewEnvStore(), nil, store)
	if err != nil {
		slog.Error("Failed to assemble pipeline", "error", err)
		return pipeerrors.ExitCode(err)
	}

	tc := pipeline.ResolveTrigger(pipeline.EventKind(CLI.Run.Event), CLI.Run.Repo)
	if CLI.Run.Branch != "" {
		tc.Branch = CLI.Run.Branch
	}
	if CLI.Run.Commit != "" {
		tc.Commit = CLI.Run.Commit
	}

	result, err := engine.Run(ctx, tc)
	if err != nil {
		slog.Error("Run failed", "error", err)
		return pipeerrors.ExitCode(err)
	}

	for _, stage := range result.Stages {
		attrs := []any{"stage", stage.Stage, "status", string(stage.Status)}
		if stage.Reason != "" {
			attrs = append(attrs, "reason", string(stage.Reason))
		}
		slog.Info("Stage result", attrs...)
	}
	slog.Info("Run finished",
		"run_id", result.ID,
		"state", string(result.State),
		"duration", result.FinishedAt.Sub(result.StartedAt).String())
	return result.ExitCode()
}

// runDaemon starts the long-lived service.
func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	factory := func(cfg *config.Config) (daemon.Runner, error) {
		engine, err := buildEngine(cfg, secrets.NewEnvStore(), recorder, store)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}

	d, err := daemon.New(CLI.Config, cfg, factory)
	if err != nil {
		return err
	}
	d.WithHistory(store).WithRegistry(registry).WithRepoPath(CLI.Daemon.Repo)

	if cfg.Daemon.NATS.URL != "" {
		notifier, err := daemon.NewNATSNotifier(cfg.Daemon.NATS.URL, cfg.Daemon.NATS.Subject)
		if err != nil {
			return err
		}
		d.WithNotifier(notifier)
	}

	return d.Run(ctx)
}

// runHistory prints recent runs, or the stage results of one run.
func runHistory(ctx context.Context) error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}
	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if CLI.History.Run != "" {
		results, err := store.StageResults(ctx, CLI.History.Run)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "STAGE\tSTATUS\tREASON\tEXIT\tDURATION")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				r.Stage, r.Status, r.Reason, r.ExitCode, r.Duration().Round(timeRound).String())
		}
		return nil
	}

	runs, err := store.ListRuns(ctx, CLI.History.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tPIPELINE\tEVENT\tBRANCH\tSTATE\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Pipeline, r.Event, r.Branch, r.State,
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Duration().Round(timeRound).String())
	}
	return nil
}

const timeRound = 100 * time.Millisecond

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
