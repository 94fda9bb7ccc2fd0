package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/shipyard/internal/config"
	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/observability"
)

var CLI struct {
	Config  string `short:"c" help:"Pipeline configuration file path" default:"pipeline.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		Event  string `short:"e" help:"Trigger event kind" enum:"push,manual" default:"manual"`
		Branch string `short:"b" help:"Override the branch resolved from the repository"`
		Commit string `help:"Override the commit resolved from the repository"`
		Repo   string `short:"r" help:"Repository path used to resolve branch and commit" default:"."`
	} `cmd:"" help:"Execute the pipeline once"`

	Validate struct{} `cmd:"" help:"Validate the pipeline configuration without executing"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new pipeline configuration file"`

	Daemon struct {
		Repo string `short:"r" help:"Repository path used to resolve trigger context" default:"."`
	} `cmd:"" help:"Run as a long-lived service with scheduled runs and config reload"`

	History struct {
		Limit int    `short:"n" help:"Number of runs to show" default:"20"`
		Run   string `help:"Show stage results for a specific run ID"`
	} `cmd:"" help:"Show recent pipeline runs"`
}

func main() {
	kctx := kong.Parse(&CLI)
	observability.Setup(CLI.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch kctx.Command() {
	case "run":
		os.Exit(runOnce(ctx))
	case "validate":
		err = runValidate()
	case "init":
		err = config.WriteStarter(CLI.Config, CLI.Init.Force)
		if err == nil {
			fmt.Printf("Wrote starter configuration to %s\n", CLI.Config)
		}
	case "daemon":
		err = runDaemon(ctx)
	case "history":
		err = runHistory(ctx)
	}

	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(pipeerrors.ExitCode(err))
	}
}

func runValidate() error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}
	p := cfg.BuildPipeline()
	order, err := p.Graph().TopologicalOrder()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid\n", CLI.Config)
	fmt.Printf("Pipeline:  %s\n", p.Name)
	fmt.Printf("Stages:    %d\n", len(p.Stages))
	fmt.Printf("Execution: %v\n", order)
	return nil
}
