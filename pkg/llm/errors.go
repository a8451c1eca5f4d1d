package llm

import (
	"errors"
	"fmt"
)

// Sentinel errors for the LLM layer.
var (
	// ErrUnknownProvider indicates the configured provider has no adapter.
	ErrUnknownProvider = errors.New("unknown LLM provider")

	// ErrMissingEndpoint indicates the adapter was invoked without a base URL.
	ErrMissingEndpoint = errors.New("missing LLM endpoint")
)

// MissingKeyError indicates an adapter was invoked without its provider's
// secret. Fail-fast: never retried.
type MissingKeyError struct {
	Provider Provider
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing API key for provider %q", e.Provider)
}

// HTTPError is a terminal non-2xx provider response. Body is truncated to
// maxErrorBody bytes before surfacing.
type HTTPError struct {
	Status int
	Body   string
}

const maxErrorBody = 300

func (e *HTTPError) Error() string {
	return fmt.Sprintf("LLM request failed with status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt (429 or 5xx).
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// TimeoutError indicates the per-attempt deadline fired. Surfaced immediately,
// never retried.
type TimeoutError struct {
	Attempt int
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("LLM request timed out on attempt %d: %v", e.Attempt, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ParseError indicates model output was not usable JSON even after the lenient
// parse and one repair pass.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("failed to parse LLM output as JSON: %v (output: %s)", e.Err, raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// truncateBody caps an error body for surfacing.
func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody])
	}
	return string(b)
}
