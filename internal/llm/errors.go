package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Failure categories for LLM call errors. The scheduler keys retry behavior
// and user-facing notification text off these.
const (
	CategoryAuth          = "auth"
	CategoryRateLimit     = "rate_limit"
	CategoryContextLength = "context_length"
	CategoryNetwork       = "network"
	CategoryServer        = "server"
	CategoryUnknown       = "unknown"
)

// HTTPError is a non-200 response from an LLM backend. RetryAfter carries
// the parsed Retry-After header when the backend sent one.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// contextLengthMarkers are substrings backends use to signal that the prompt
// exceeded the model's context window. Matched case-insensitively on 400/413
// response bodies; there is no standard error code for this across vendors.
var contextLengthMarkers = []string{
	"context length",
	"context_length",
	"context window",
	"maximum context",
	"too many tokens",
	"token limit",
	"prompt is too long",
	"input is too long",
}

// Categorize maps an error from a Chat call onto a coarse failure category.
// Returns "" for nil.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 401 || httpErr.Status == 403:
			return CategoryAuth
		case httpErr.Status == 429:
			return CategoryRateLimit
		case httpErr.Status == 400 || httpErr.Status == 413:
			if mentionsContextLength(httpErr.Body) {
				return CategoryContextLength
			}
			return CategoryUnknown
		case httpErr.Status >= 500:
			return CategoryServer
		default:
			return CategoryUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

// Retryable reports whether a failure category is worth another attempt.
// Auth and context-length failures repeat deterministically, so retrying
// them only burns quota.
func Retryable(category string) bool {
	switch category {
	case CategoryRateLimit, CategoryServer, CategoryNetwork:
		return true
	default:
		return false
	}
}

func mentionsContextLength(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range contextLengthMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
