package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: IsRetryable,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return New(CodeUpstream, "push 502")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryNonRetryableReturnsRaw(t *testing.T) {
	orig := New(CodeValidation, "bad input")
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return orig
	})

	assert.Equal(t, 1, attempts)
	// Returned unwrapped so callers see the original code and message.
	assert.Same(t, orig, err.(*Error))
}

func TestRetryPlainErrorsDoNotRetry(t *testing.T) {
	// A plain error carries CodeUnknown, which is not in the transient
	// set; the default policy gives it a single attempt.
	attempts := 0
	err := Retry(context.Background(), nil, func() error {
		attempts++
		return errors.New("dial tcp: i/o timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustionKeepsCode(t *testing.T) {
	orig := New(CodeBackpressure, "pool saturated")
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return orig
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, CodeBackpressure, GetCode(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.ErrorIs(t, err, orig)
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.Jitter = 0
	hint := 30 * time.Millisecond

	attempts := 0
	start := time.Now()
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return New(CodeRateLimited, "429").WithRetryAfter(hint)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestRetryCancelDuringBackoff(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialDelay = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return New(CodeUpstream, "502")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryCallsOnRetry(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.Jitter = 0

	var delays []time.Duration
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	attempts := 0
	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return New(CodeUpstream, "502")
	})

	// Two backoffs between three attempts, doubling up to the cap.
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestApplyJitterBounds(t *testing.T) {
	delay := 100 * time.Millisecond

	assert.Equal(t, delay, applyJitter(delay, 0))
	assert.Equal(t, delay, applyJitter(delay, -1))

	for i := 0; i < 50; i++ {
		full := applyJitter(delay, 1)
		assert.Greater(t, full, time.Duration(0))
		assert.LessOrEqual(t, full, delay)

		half := applyJitter(delay, 0.5)
		assert.GreaterOrEqual(t, half, 50*time.Millisecond)
		assert.LessOrEqual(t, half, delay)
	}
}
