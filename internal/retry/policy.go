// Package retry provides bounded retry with backoff for transient failures.
package retry

import (
	"context"
	"fmt"
	"time"

	pipeerrors "git.home.luguber.info/inful/shipyard/internal/errors"
)

// BackoffMode selects how the delay grows between attempts.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode       BackoffMode   // fixed|linear|exponential
	Initial    time.Duration // base delay
	Max        time.Duration // cap for growth
	MaxRetries int           // maximum retry attempts after the first failure
}

// PushPolicy is the registry push policy: up to 3 retries, exponential
// backoff starting at 2s.
func PushPolicy() Policy {
	return Policy{Mode: BackoffExponential, Initial: 2 * time.Second, Max: 30 * time.Second, MaxRetries: 3}
}

// ConnectPolicy is the remote connect policy: a single retry after the first
// failed attempt, no growth.
func ConnectPolicy() Policy {
	return Policy{Mode: BackoffFixed, Initial: 2 * time.Second, Max: 2 * time.Second, MaxRetries: 1}
}

// Delay returns the backoff delay for the given retry attempt number
// (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case BackoffFixed:
		return p.Initial
	case BackoffExponential:
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns error if the policy cannot be applied.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.Initial > p.Max {
		return fmt.Errorf("initial must be <= max")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	return nil
}

// Do runs op until it succeeds, returns a non-retryable error, the retry
// budget is exhausted, or ctx is canceled. onRetry (optional) is invoked
// before each retry sleep with the 1-based retry number and the error that
// triggered it. Returns the number of attempts made alongside the final
// error.
func Do(ctx context.Context, p Policy, op func() error, onRetry func(n int, err error)) (int, error) {
	attempts := 0
	for {
		attempts++
		err := op()
		if err == nil {
			return attempts, nil
		}
		retryNo := attempts // retry number if we go around again
		if retryNo > p.MaxRetries || !pipeerrors.IsRetryable(err) {
			return attempts, err
		}
		if onRetry != nil {
			onRetry(retryNo, err)
		}
		select {
		case <-time.After(p.Delay(retryNo)):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
}
