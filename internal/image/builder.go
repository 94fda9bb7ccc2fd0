// Package image builds the container image and pushes it to the registry by
// invoking the container CLI.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/retry"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

var (
	// ErrBuild indicates the image build exited nonzero.
	ErrBuild = errors.New("image build failed")
	// ErrPush indicates the push did not succeed within the retry budget.
	ErrPush = errors.New("image push failed")
)

// Ref identifies a built image by repository and tag.
type Ref struct {
	Repository string
	Tag        string
}

func (r Ref) String() string { return r.Repository + ":" + r.Tag }

// CommandRunner executes an external command and returns its combined output.
// stdin is passed to the process when non-empty. Injectable for tests.
type CommandRunner func(ctx context.Context, stdin, name string, args ...string) (string, error)

func execRunner(ctx context.Context, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Credentials holds resolved registry credentials. Values never reach logs;
// the redactor covers them.
type Credentials struct {
	Username string
	Token    string
}

// Builder shells out to the container CLI to build, tag and push images.
type Builder struct {
	cli        string // container CLI binary, e.g. "docker"
	registry   string // registry host for login, e.g. "docker.io"
	repository string // full repository, e.g. "docker.io/acme/app"
	contextDir string
	dockerfile string
	creds      Credentials
	run        CommandRunner
	policy     retry.Policy
	redactor   *secrets.Redactor
}

// NewBuilder creates a builder for the given repository. contextDir defaults
// to "." and dockerfile to "Dockerfile" when empty.
func NewBuilder(registry, repository, contextDir, dockerfile string, creds Credentials) *Builder {
	if contextDir == "" {
		contextDir = "."
	}
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	return &Builder{
		cli:        "docker",
		registry:   registry,
		repository: repository,
		contextDir: contextDir,
		dockerfile: dockerfile,
		creds:      creds,
		run:        execRunner,
		policy:     retry.PushPolicy(),
	}
}

// WithCommandRunner injects a command runner (for testing).
func (b *Builder) WithCommandRunner(run CommandRunner) *Builder { b.run = run; return b }

// WithPolicy overrides the push retry policy (for testing).
func (b *Builder) WithPolicy(p retry.Policy) *Builder { b.policy = p; return b }

// WithRedactor attaches a redactor applied to all captured CLI output.
func (b *Builder) WithRedactor(r *secrets.Redactor) *Builder { b.redactor = r; return b }

// Build builds and tags the image for the given tag.
func (b *Builder) Build(ctx context.Context, tag string) (Ref, error) {
	ref := Ref{Repository: b.repository, Tag: tag}
	slog.Info("Building image", "image", ref.String(), "context", b.contextDir)
	out, err := b.run(ctx, "", b.cli, "build", "-t", ref.String(), "-f", b.dockerfile, b.contextDir)
	if err != nil {
		return Ref{}, pipeerrors.NewStepError(
			fmt.Sprintf("%v: %s", ErrBuild, b.redact(out)), err)
	}
	return ref, nil
}

// Push authenticates to the registry and pushes the image. Transient network
// failures are retried per the push policy; auth failures are fatal
// immediately. Returns the number of push attempts made.
func (b *Builder) Push(ctx context.Context, ref Ref) (int, error) {
	if err := b.login(ctx); err != nil {
		return 0, err
	}

	attempts, err := retry.Do(ctx, b.policy, func() error {
		return b.pushOnce(ctx, ref)
	}, func(n int, err error) {
		slog.Warn("Image push failed, retrying",
			"image", ref.String(), "retry", n, "delay", b.policy.Delay(n), "error", b.redact(err.Error()))
	})
	if err != nil {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrPush, attempts, err)
	}
	slog.Info("Image pushed", "image", ref.String(), "attempts", attempts)
	return attempts, nil
}

func (b *Builder) login(ctx context.Context) error {
	if b.creds.Username == "" {
		return nil
	}
	out, err := b.run(ctx, b.creds.Token, b.cli, "login", "-u", b.creds.Username, "--password-stdin", b.registry)
	if err != nil {
		return pipeerrors.NewAuthError(fmt.Sprintf("registry login failed: %s", b.redact(out)), err)
	}
	return nil
}

func (b *Builder) pushOnce(ctx context.Context, ref Ref) error {
	out, err := b.run(ctx, "", b.cli, "push", ref.String())
	if err == nil {
		return nil
	}
	return classifyPushFailure(b.redact(out), err)
}

// classifyPushFailure maps CLI output to the error taxonomy: credential
// problems are auth (fatal), everything else is transient network.
func classifyPushFailure(output string, cause error) error {
	lower := strings.ToLower(output)
	for _, marker := range []string{"unauthorized", "denied", "authentication required", "incorrect username or password"} {
		if strings.Contains(lower, marker) {
			return pipeerrors.NewAuthError(fmt.Sprintf("registry rejected credentials: %s", strings.TrimSpace(output)), cause)
		}
	}
	return pipeerrors.NewNetworkError(fmt.Sprintf("push failed: %s", strings.TrimSpace(output)), cause)
}

func (b *Builder) redact(s string) string {
	if b.redactor == nil {
		return s
	}
	return b.redactor.Redact(s)
}
