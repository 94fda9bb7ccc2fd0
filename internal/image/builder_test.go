package image

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
	"git.home.luguber.info/inful/shipyard/internal/retry"
	"git.home.luguber.info/inful/shipyard/internal/secrets"
)

type call struct {
	stdin string
	args  []string
}

// fakeRunner scripts CLI responses per subcommand.
type fakeRunner struct {
	calls     []call
	responses map[string][]response // keyed by first arg (build/login/push)
}

type response struct {
	out string
	err error
}

func (f *fakeRunner) run(_ context.Context, stdin, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{stdin: stdin, args: append([]string{name}, args...)})
	key := args[0]
	queue := f.responses[key]
	if len(queue) == 0 {
		return "", nil
	}
	r := queue[0]
	f.responses[key] = queue[1:]
	return r.out, r.err
}

func fastPolicy() retry.Policy {
	return retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}
}

func newTestBuilder(f *fakeRunner) *Builder {
	return NewBuilder("registry.example.com", "registry.example.com/acme/app", ".", "Dockerfile",
		Credentials{Username: "ci", Token: "tok-secret"}).
		WithCommandRunner(f.run).
		WithPolicy(fastPolicy())
}

func TestBuildTagsImage(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{}}
	b := newTestBuilder(f)

	ref, err := b.Build(context.Background(), "abc123def456")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/acme/app:abc123def456", ref.String())

	require.Len(t, f.calls, 1)
	assert.Equal(t, []string{"docker", "build", "-t", ref.String(), "-f", "Dockerfile", "."}, f.calls[0].args)
}

func TestBuildFailure(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{
		"build": {{out: "Dockerfile parse error", err: errors.New("exit status 1")}},
	}}
	b := newTestBuilder(f)

	_, err := b.Build(context.Background(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image build failed")
	assert.Equal(t, pipeerrors.CategoryStep, pipeerrors.CategoryOf(err))
}

func TestPushLoginUsesStdin(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{}}
	b := newTestBuilder(f)

	attempts, err := b.Push(context.Background(), Ref{Repository: "registry.example.com/acme/app", Tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"docker", "login", "-u", "ci", "--password-stdin", "registry.example.com"}, f.calls[0].args)
	assert.Equal(t, "tok-secret", f.calls[0].stdin, "token must travel via stdin, not argv")
	assert.Equal(t, []string{"docker", "push", "registry.example.com/acme/app:v1"}, f.calls[1].args)
}

// TestPushRecoversOnThirdAttempt covers the transient-failure scenario: two
// network failures, then success, with attempts recorded.
func TestPushRecoversOnThirdAttempt(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{
		"push": {
			{out: "dial tcp: connection reset by peer", err: errors.New("exit status 1")},
			{out: "i/o timeout", err: errors.New("exit status 1")},
			{out: "pushed", err: nil},
		},
	}}
	b := newTestBuilder(f)

	attempts, err := b.Push(context.Background(), Ref{Repository: "r/app", Tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPushExhaustsRetries(t *testing.T) {
	fail := response{out: "connection refused", err: errors.New("exit status 1")}
	f := &fakeRunner{responses: map[string][]response{
		"push": {fail, fail, fail, fail, fail},
	}}
	b := newTestBuilder(f)

	attempts, err := b.Push(context.Background(), Ref{Repository: "r/app", Tag: "v1"})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
	assert.True(t, errors.Is(err, ErrPush))
}

// TestPushAuthFailureIsFatal: bad credentials must not be retried.
func TestPushAuthFailureIsFatal(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{
		"push": {
			{out: "unauthorized: authentication required", err: errors.New("exit status 1")},
			{out: "would succeed now", err: nil},
		},
	}}
	b := newTestBuilder(f)

	attempts, err := b.Push(context.Background(), Ref{Repository: "r/app", Tag: "v1"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, pipeerrors.CategoryAuth, pipeerrors.CategoryOf(err))
}

func TestLoginFailureIsAuthError(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{
		"login": {{out: "Error response: incorrect username or password", err: errors.New("exit status 1")}},
	}}
	b := newTestBuilder(f)

	attempts, err := b.Push(context.Background(), Ref{Repository: "r/app", Tag: "v1"})
	require.Error(t, err)
	assert.Zero(t, attempts)
	assert.Equal(t, pipeerrors.CategoryAuth, pipeerrors.CategoryOf(err))
}

func TestErrorOutputIsRedacted(t *testing.T) {
	f := &fakeRunner{responses: map[string][]response{
		"push": {{out: "denied for token tok-secret", err: errors.New("exit status 1")}},
	}}
	b := newTestBuilder(f).WithRedactor(secrets.NewRedactor([]string{"tok-secret"}))

	_, err := b.Push(context.Background(), Ref{Repository: "r/app", Tag: "v1"})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "tok-secret"), "secret leaked into error: %v", err)
}
