package fault

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls bounded in-process retries. Retries are only
// applied to operations known to be idempotent (signed pushes,
// projection upserts); callers opt in explicitly.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the delay randomized on each sleep.
	// 1.0 gives full jitter.
	Jitter float64
	// RetryableFunc decides whether an error is worth another attempt.
	RetryableFunc func(error) bool
	// OnRetry is invoked before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig matches the propagation policy: 3 attempts,
// exponential backoff, full jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        1.0,
		RetryableFunc: IsRetryable,
	}
}

// Retry executes fn with bounded retries.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, config.Jitter)
			if config.OnRetry != nil {
				config.OnRetry(attempt, lastErr, jittered)
			}

			timer := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Wrap(ctx.Err(), CodeInternal, "retry cancelled during backoff")
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableFunc != nil && !config.RetryableFunc(err) {
			return err
		}

		var fe *Error
		if As(err, &fe) && fe.RetryAfter != nil {
			delay = *fe.RetryAfter
		}
	}

	return Wrapf(lastErr, GetCode(lastErr), "operation failed after %d attempts", config.MaxAttempts)
}

// applyJitter randomizes delay within [delay*(1-j), delay]. With j=1
// this is full jitter over (0, delay].
func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	floor := float64(delay) * (1 - jitter)
	return time.Duration(floor + rand.Float64()*float64(delay)*jitter)
}
