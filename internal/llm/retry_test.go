package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// TestRetryDo_SucceedsAfterTransientErrors verifies that retryable failures
// are retried until the call succeeds.
func TestRetryDo_SucceedsAfterTransientErrors(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	attempts := 0
	got, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 503, Body: "unavailable"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestRetryDo_NonRetryableFailsFast verifies that auth errors are returned
// immediately without further attempts.
func TestRetryDo_NonRetryableFailsFast(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 401, Body: "invalid api key"}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Errorf("expected HTTPError 401, got %v", err)
	}
}

// TestRetryDo_ExhaustsAttempts verifies that persistent server errors give
// up after MaxAttempts and return the last error.
func TestRetryDo_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 500, Body: "internal"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts, got nil")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestRetryDo_HonorsRetryAfter verifies that a Retry-After hint overrides
// the computed backoff. BaseDelay is set to a minute so the test would hang
// if the hint were ignored.
func TestRetryDo_HonorsRetryAfter(t *testing.T) {
	var waits []time.Duration
	cfg := RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Minute,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			waits = append(waits, wait)
		},
	}

	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", &HTTPError{Status: 429, Body: "rate limited", RetryAfter: 5 * time.Millisecond}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 1 || waits[0] != 5*time.Millisecond {
		t.Errorf("waits = %v, want [5ms]", waits)
	}
}

// TestRetryDo_ContextCancelDuringBackoff verifies that cancelling the
// context during the backoff sleep returns promptly with ctx.Err().
func TestRetryDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			cancel()
		},
	}

	_, err := RetryDo(ctx, cfg, func() (string, error) {
		return "", &HTTPError{Status: 503, Body: "unavailable"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "2", 2 * time.Second},
		{"zero", "0", 0},
		{"negative", "-1", 0},
		{"garbage", "soon", 0},
		{"padded", " 3 ", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

// TestParseRetryAfter_HTTPDate verifies that an HTTP-date value in the
// future yields a positive duration and one in the past yields zero.
func TestParseRetryAfter_HTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 10*time.Second {
		t.Errorf("ParseRetryAfter(future) = %v, want in (0, 10s]", got)
	}

	past := time.Now().Add(-10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past) = %v, want 0", got)
	}
}
