package scheduler

import (
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff selects the delay between retry attempts.
type Backoff uint8

const (
	BackoffNone Backoff = iota
	BackoffLinear
	BackoffExponential
)

func (b Backoff) String() string {
	switch b {
	case BackoffNone:
		return "none"
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	}
	return fmt.Sprintf("backoff(%d)", uint8(b))
}

// ParseBackoff parses "none", "linear" or "exponential".
func ParseBackoff(s string) (Backoff, error) {
	switch s {
	case "", "none":
		return BackoffNone, nil
	case "linear":
		return BackoffLinear, nil
	case "exponential":
		return BackoffExponential, nil
	}
	return 0, fmt.Errorf("unknown backoff %q", s)
}

// Exhausted selects what happens when an activation runs out of attempts.
type Exhausted uint8

const (
	// ExhaustedFail aborts the tick.
	ExhaustedFail Exhausted = iota
	// ExhaustedSkip drops the activation's buffer and lets the tick continue.
	ExhaustedSkip
)

func (e Exhausted) String() string {
	switch e {
	case ExhaustedFail:
		return "fail"
	case ExhaustedSkip:
		return "skip"
	}
	return fmt.Sprintf("exhausted(%d)", uint8(e))
}

// ParseExhausted parses "fail" or "skip".
func ParseExhausted(s string) (Exhausted, error) {
	switch s {
	case "", "fail":
		return ExhaustedFail, nil
	case "skip":
		return ExhaustedSkip, nil
	}
	return 0, fmt.Errorf("unknown on_exhausted policy %q", s)
}

// DefaultBaseDelay is the base retry delay used when none is configured.
const DefaultBaseDelay = 100 * time.Millisecond

// RetryPolicy controls retries of transient activation failures.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; 1 means no retry.
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	OnExhausted Exhausted
}

// DefaultRetryPolicy runs every activation once and fails the tick on error.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff:     BackoffNone,
		BaseDelay:   DefaultBaseDelay,
		OnExhausted: ExhaustedFail,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry: base_delay must not be negative, got %s", p.BaseDelay)
	}
	if p.Backoff > BackoffExponential {
		return fmt.Errorf("retry: unknown backoff %s", p.Backoff)
	}
	if p.OnExhausted > ExhaustedSkip {
		return fmt.Errorf("retry: unknown on_exhausted %s", p.OnExhausted)
	}
	return nil
}

// NewBackoff returns a fresh backoff for one activation: base, 2·base, 3·base
// for linear and base, 2·base, 4·base for exponential, stopping after
// MaxAttempts-1 retries.
func (p RetryPolicy) NewBackoff() retry.Backoff {
	var b retry.Backoff
	switch {
	case p.Backoff == BackoffExponential && p.BaseDelay > 0:
		b = retry.NewExponential(p.BaseDelay)
	case p.Backoff == BackoffLinear:
		var n int64
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			n++
			return time.Duration(n) * p.BaseDelay, false
		})
	default:
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			return 0, false
		})
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// Config configures the scheduler.
type Config struct {
	// MaxConcurrent bounds in-flight activations per group. Zero or less
	// means unbounded.
	MaxConcurrent int
	Retry         RetryPolicy
}

// DefaultConfig returns an unbounded scheduler with the default retry policy.
func DefaultConfig() Config {
	return Config{Retry: DefaultRetryPolicy()}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
