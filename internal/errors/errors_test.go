package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewStepError("command exited nonzero", nil).WithStage("test", 2)
	assert.Equal(t, "stage test step 2: command exited nonzero", err.Error())

	wrapped := NewConfigError("bad pipeline", errors.New("cycle detected"))
	assert.Contains(t, wrapped.Error(), "cycle detected")
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryConfig, CategoryOf(NewConfigError("x", nil)))
	assert.Equal(t, CategoryNetwork, CategoryOf(NewNetworkError("x", nil)))
	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("plain")))

	// Category survives %w wrapping.
	wrapped := fmt.Errorf("push failed: %w", NewAuthError("denied", nil))
	assert.Equal(t, CategoryAuth, CategoryOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError("timeout", nil)))
	assert.False(t, IsRetryable(NewAuthError("denied", nil)))
	assert.False(t, IsRetryable(NewStepError("exit 1", nil)))
	assert.False(t, IsRetryable(errors.New("plain")))

	// An auth error can never be made retryable.
	e := NewAuthError("denied", nil)
	e.Retryable = true
	assert.False(t, IsRetryable(e))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, ExitSuccess, ExitCode(nil))
	require.Equal(t, ExitConfig, ExitCode(NewConfigError("missing secret", nil)))
	require.Equal(t, ExitConfig, ExitCode(fmt.Errorf("load: %w", NewConfigError("cycle", nil))))
	require.Equal(t, ExitFailure, ExitCode(NewStepError("exit 1", nil)))
	require.Equal(t, ExitFailure, ExitCode(errors.New("plain")))
}
