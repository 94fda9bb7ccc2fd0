package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/image"
	"git.home.luguber.info/inful/shipyard/internal/retry"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

// ErrConnect indicates the secure channel could not be established within the
// connect timeout and its single retry.
var ErrConnect = errors.New("remote connection failed")

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 30 * time.Second

// Session is an established remote session. The command surface is
// deliberately small: directory creation, file writes and the container
// commands needed for a redeploy.
type Session interface {
	// Run executes a command remotely and returns its combined output.
	Run(ctx context.Context, cmd string) (string, error)
	// RunInput executes a command with stdin attached; used for credentials
	// so they never appear on a command line.
	RunInput(ctx context.Context, cmd, stdin string) (string, error)
	// WriteFile writes content to path, overwriting any existing file.
	WriteFile(ctx context.Context, path string, content []byte) error
	Close() error
}

// Dialer establishes remote sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Target describes the remote deployment target. Host, user and key are
// resolved secret values.
type Target struct {
	Host      string
	User      string
	SSHKeyPEM string
	Dir       string // remote deployment directory
}

// Result summarizes a completed apply.
type Result struct {
	DescriptorPath string
	Commands       []string // remote commands issued, in order
	Output         string   // redacted combined output
	ConnectTries   int
}

// Deployer renders nothing itself; it connects and applies a rendered
// descriptor idempotently. Running Apply twice with the same descriptor and
// image tag converges on the same remote state.
type Deployer struct {
	dialer       Dialer
	target       Target
	registry     string
	creds        image.Credentials
	redactor     *secrets.Redactor
	policy       retry.Policy
	composeFname string
	params       DescriptorParams
}

// NewDeployer creates a deployer for the given target.
func NewDeployer(dialer Dialer, target Target, registry string, creds image.Credentials) *Deployer {
	return &Deployer{
		dialer:       dialer,
		target:       target,
		registry:     registry,
		creds:        creds,
		policy:       retry.ConnectPolicy(),
		composeFname: "docker-compose.yml",
	}
}

// WithRedactor attaches a redactor applied to all captured remote output.
func (d *Deployer) WithRedactor(r *secrets.Redactor) *Deployer { d.redactor = r; return d }

// WithParams sets the descriptor parameters used by Deploy. The image
// reference is filled in per call.
func (d *Deployer) WithParams(params DescriptorParams) *Deployer { d.params = params; return d }

// WithPolicy overrides the connect retry policy (for testing).
func (d *Deployer) WithPolicy(p retry.Policy) *Deployer { d.policy = p; return d }

// Deploy performs a full redeploy of the given image: render the descriptor
// from the configured params, connect, apply, disconnect. Returns the apply
// result and the number of connect attempts.
func (d *Deployer) Deploy(ctx context.Context, ref image.Ref) (*Result, int, error) {
	params := d.params
	params.Image = ref.String()
	descriptor, err := RenderDescriptor(params)
	if err != nil {
		return nil, 0, err
	}

	sess, attempts, err := d.Connect(ctx)
	if err != nil {
		return nil, attempts, err
	}
	defer sess.Close()

	res, err := d.Apply(ctx, sess, descriptor)
	if res != nil {
		res.ConnectTries = attempts
	}
	return res, attempts, err
}

// Connect establishes the secure channel. A failed attempt is retried once;
// a second failure surfaces ErrConnect. Returns the session and the number
// of attempts made.
func (d *Deployer) Connect(ctx context.Context) (Session, int, error) {
	var sess Session
	attempts, err := retry.Do(ctx, d.policy, func() error {
		s, dialErr := d.dialer.Dial(ctx)
		if dialErr != nil {
			return pipeerrors.NewNetworkError(
				fmt.Sprintf("connect to %s: %s", d.target.Host, d.redact(dialErr.Error())), dialErr)
		}
		sess = s
		return nil
	}, func(n int, err error) {
		slog.Warn("Remote connect failed, retrying", "host", d.target.Host, "retry", n)
	})
	if err != nil {
		return nil, attempts, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return sess, attempts, nil
}

// Apply writes the descriptor to the target path (overwrite, last writer
// wins), authenticates to the registry, pulls the image, force-recreates the
// service and prunes dangling images. The step sequence is idempotent: a
// second apply with the same inputs reports success and leaves the same
// running state.
func (d *Deployer) Apply(ctx context.Context, sess Session, descriptor string) (*Result, error) {
	res := &Result{DescriptorPath: path.Join(d.target.Dir, d.composeFname)}
	var output strings.Builder

	run := func(cmd string) error {
		res.Commands = append(res.Commands, d.redact(cmd))
		out, err := sess.Run(ctx, cmd)
		output.WriteString(d.redact(out))
		if err != nil {
			res.Output = d.redact(output.String())
			return pipeerrors.NewDeployError(
				fmt.Sprintf("remote command %q failed: %s", cmd, d.redact(out)), err)
		}
		return nil
	}

	if err := run("mkdir -p " + shellQuote(d.target.Dir)); err != nil {
		return res, err
	}

	res.Commands = append(res.Commands, "write "+res.DescriptorPath)
	if err := sess.WriteFile(ctx, res.DescriptorPath, []byte(descriptor)); err != nil {
		res.Output = d.redact(output.String())
		return res, pipeerrors.NewDeployError(fmt.Sprintf("write descriptor %s", res.DescriptorPath), err)
	}

	if d.creds.Username != "" {
		login := fmt.Sprintf("docker login -u %s --password-stdin %s", shellQuote(d.creds.Username), shellQuote(d.registry))
		// The username is a resolved secret; the recorded command list is
		// part of the persisted result and must be scrubbed like output.
		res.Commands = append(res.Commands, d.redact(login))
		out, err := sess.RunInput(ctx, login, d.creds.Token)
		output.WriteString(d.redact(out))
		if err != nil {
			res.Output = d.redact(output.String())
			return res, pipeerrors.NewAuthError(
				fmt.Sprintf("remote registry login failed: %s", d.redact(out)), err)
		}
	}

	inDir := func(cmd string) string {
		return fmt.Sprintf("cd %s && %s", shellQuote(d.target.Dir), cmd)
	}
	for _, cmd := range []string{
		inDir("docker compose pull"),
		inDir("docker compose up -d --force-recreate"),
		"docker image prune -f",
	} {
		if err := run(cmd); err != nil {
			return res, err
		}
	}

	res.Output = d.redact(output.String())
	slog.Info("Deployment applied", "host", d.target.Host, "descriptor", res.DescriptorPath)
	return res, nil
}

func (d *Deployer) redact(s string) string {
	if d.redactor == nil {
		return s
	}
	return d.redactor.Redact(s)
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
