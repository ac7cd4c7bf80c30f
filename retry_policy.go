package saga

import (
	"slices"
	"time"
)

const (
	defaultInitialInterval    = time.Second
	defaultBackoffCoefficient = 2.0
	defaultMaximumMultiplier  = 100
)

// RetryPolicy controls how often a failed activity attempt is retried.
type RetryPolicy struct {
	// InitialInterval is the delay before the second attempt. Defaults to 1s.
	InitialInterval time.Duration `json:"initial_interval,omitempty" mapstructure:"initial_interval"`

	// BackoffCoefficient multiplies the delay after each attempt. Defaults to 2.
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty" mapstructure:"backoff_coefficient"`

	// MaximumInterval caps the delay. Defaults to 100 times InitialInterval.
	MaximumInterval time.Duration `json:"maximum_interval,omitempty" mapstructure:"maximum_interval"`

	// MaximumAttempts bounds the number of attempts. Zero means unbounded.
	MaximumAttempts int `json:"maximum_attempts,omitempty" mapstructure:"maximum_attempts"`

	// MaximumElapsed bounds the time from the first attempt to the start of
	// the next one. Zero means unbounded.
	MaximumElapsed time.Duration `json:"maximum_elapsed,omitempty" mapstructure:"maximum_elapsed"`

	// NonRetryableKinds are failure kinds that stop retries in addition to
	// permanent and cancelled failures.
	NonRetryableKinds []FailureKind `json:"non_retryable_kinds,omitempty" mapstructure:"non_retryable_kinds"`

	// NonRetryableErrorTypes are ActivityError types that stop retries.
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty" mapstructure:"non_retryable_error_types"`
}

// DefaultRetryPolicy returns a policy that retries forever with exponential
// backoff from 1s up to 100s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = defaultBackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = p.InitialInterval * defaultMaximumMultiplier
	}
	if p.MaximumInterval < p.InitialInterval {
		p.MaximumInterval = p.InitialInterval
	}
	return p
}

// Backoff returns the delay after the given attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffCoefficient
		if delay >= float64(p.MaximumInterval) {
			return p.MaximumInterval
		}
	}
	return time.Duration(delay)
}

// RetryDecision is the outcome of ShouldRetry.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// ShouldRetry decides whether another attempt is permitted after attempt
// failed with failure, elapsed after the first attempt started.
func ShouldRetry(policy RetryPolicy, attempt int, elapsed time.Duration, failure *ActivityError) RetryDecision {
	if failure == nil {
		return RetryDecision{Reason: "no failure"}
	}

	switch failure.Kind {
	case FailureCancelled:
		return RetryDecision{Reason: "cancelled"}
	case FailurePermanent:
		return RetryDecision{Reason: "permanent failure"}
	}
	if slices.Contains(policy.NonRetryableKinds, failure.Kind) {
		return RetryDecision{Reason: "non-retryable kind " + string(failure.Kind)}
	}
	if failure.Type != "" && slices.Contains(policy.NonRetryableErrorTypes, failure.Type) {
		return RetryDecision{Reason: "non-retryable type " + failure.Type}
	}
	if policy.MaximumAttempts > 0 && attempt >= policy.MaximumAttempts {
		return RetryDecision{Reason: "maximum attempts reached"}
	}

	delay := policy.Backoff(attempt)
	if policy.MaximumElapsed > 0 && elapsed+delay > policy.MaximumElapsed {
		return RetryDecision{Reason: "maximum elapsed time reached"}
	}

	return RetryDecision{Retry: true, Delay: delay}
}

// ActivityOptions configure how a step's activity is invoked.
type ActivityOptions struct {
	// StartToCloseTimeout bounds a single attempt. Zero means no timeout.
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty" mapstructure:"start_to_close_timeout"`
	RetryPolicy         RetryPolicy   `json:"retry_policy" mapstructure:"retry_policy"`
}

// DefaultCompensationOptions invoke each compensation once.
func DefaultCompensationOptions() ActivityOptions {
	return ActivityOptions{RetryPolicy: RetryPolicy{MaximumAttempts: 1}}
}
