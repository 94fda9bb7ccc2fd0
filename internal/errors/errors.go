// Package errors provides a lightweight structured error type (PipelineError)
// for category-based classification, retry semantics and exit-code mapping.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies a pipeline error for handling and exit-code mapping.
type Category string

const (
	// Configuration and static validation errors (cycles, missing stage
	// references, missing required secrets). Fatal before execution.
	CategoryConfig Category = "config"

	// Authentication failures against the registry or the remote host.
	// Never retried.
	CategoryAuth Category = "auth"

	// Transient network failures (registry push, remote connect).
	CategoryNetwork Category = "network"

	// A step exited nonzero, timed out or was canceled.
	CategoryStep Category = "step"

	// Remote deployment failures past the connect phase.
	CategoryDeploy Category = "deploy"

	// Everything else.
	CategoryInternal Category = "internal"
)

// Exit codes for the CLI. Config errors are distinguished so callers can
// tell a broken pipeline definition from a failed run.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// PipelineError is a structured error with category, retryability and the
// execution coordinates (stage, step) where it occurred.
type PipelineError struct {
	Category  Category
	Message   string
	Cause     error
	Retryable bool
	Stage     string
	StepIndex int // -1 when not attributable to a single step
}

func (e *PipelineError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		if e.StepIndex >= 0 {
			msg = fmt.Sprintf("stage %s step %d: %s", e.Stage, e.StepIndex, e.Message)
		} else {
			msg = fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// WithStage attaches stage coordinates to the error (fluent helper).
func (e *PipelineError) WithStage(stage string, stepIndex int) *PipelineError {
	e.Stage = stage
	e.StepIndex = stepIndex
	return e
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryConfig, Message: message, Cause: cause, StepIndex: -1}
}

// NewAuthError creates an authentication error. Auth errors are never retryable.
func NewAuthError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryAuth, Message: message, Cause: cause, StepIndex: -1}
}

// NewNetworkError creates a transient network error, eligible for retry.
func NewNetworkError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryNetwork, Message: message, Cause: cause, Retryable: true, StepIndex: -1}
}

// NewStepError creates a step execution failure.
func NewStepError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryStep, Message: message, Cause: cause, StepIndex: -1}
}

// NewDeployError creates a remote deployment failure.
func NewDeployError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryDeploy, Message: message, Cause: cause, StepIndex: -1}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, cause error) *PipelineError {
	return &PipelineError{Category: CategoryInternal, Message: message, Cause: cause, StepIndex: -1}
}

// CategoryOf returns the category of err, or CategoryInternal for errors that
// are not PipelineErrors.
func CategoryOf(err error) Category {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether err may be retried. Auth errors are never
// retryable regardless of how they are wrapped.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable && pe.Category != CategoryAuth
	}
	return false
}

// ExitCode maps err to the process exit code contract: nil -> 0,
// config errors -> 2, everything else -> 1.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if CategoryOf(err) == CategoryConfig {
		return ExitConfig
	}
	return ExitFailure
}
