package llm

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the retry loop wrapped around LLM requests.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is invoked before each backoff sleep with the attempt number
	// (1-based), the wait about to happen, and the error that triggered it.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultRetryConfig returns the policy used by the built-in clients:
// up to 3 attempts with exponential backoff capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryNotifyFunc observes retry attempts so the runtime can surface
// llm.retrying events carrying the turn that is waiting.
type RetryNotifyFunc func(meta RequestMeta, attempt int, wait time.Duration, err error)

// RetryDo runs fn until it succeeds, fails with a non-retryable error, or
// exhausts cfg.MaxAttempts. Only rate-limit, server and network failures are
// retried; a Retry-After hint from the backend overrides the computed
// backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxAttempts || !Retryable(Categorize(err)) {
			return zero, err
		}

		wait := cfg.BaseDelay << (attempt - 1)
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
