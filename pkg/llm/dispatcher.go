package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Parameter bounds enforced before every call.
const (
	MinMaxTokens = 64
	MaxMaxTokens = 16384
	MinTemp      = 0.0
	MaxTemp      = 2.0
)

// Defaults for the dispatching client.
const (
	DefaultAttemptTimeout = 90 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBase      = 1 * time.Second
)

// Recorder receives per-attempt observations. Implemented by pkg/metrics;
// a nil Recorder disables instrumentation.
type Recorder interface {
	ObserveLLMAttempt(provider string, outcome string, duration time.Duration)
}

// Client dispatches vision requests to the configured provider with rate
// limiting, per-attempt timeouts, and retry on transient failures. One Client
// (and its HTTP connection pool) is shared by all stage handlers in a process.
type Client struct {
	httpClient     *http.Client
	limiter        *RateLimiter
	recorder       Recorder
	attemptTimeout time.Duration
	maxAttempts    int
	retryBase      time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttemptTimeout overrides the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.attemptTimeout = d }
}

// WithRetry overrides attempt count and backoff base.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.retryBase = base
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a dispatching client sharing the given rate limiter.
func NewClient(limiter *RateLimiter, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter:        limiter,
		attemptTimeout: DefaultAttemptTimeout,
		maxAttempts:    DefaultMaxAttempts,
		retryBase:      DefaultRetryBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limiter exposes the shared rate limiter so the config layer can apply
// SetLimit before each acquisition.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

// CallVisionModel sends req to the provider in cfg and returns the normalized
// response. Retries (up to maxAttempts) fire only on HTTP 429/5xx and
// non-abort transport errors, with exponential backoff base*2^(attempt-1).
// A per-attempt timeout aborts the outbound call and surfaces immediately as
// *TimeoutError; parent-context cancellation stops further attempts.
//
// LLM calls are treated as safely repeatable: responses feed state
// transitions downstream, not side effects.
func (c *Client) CallVisionModel(ctx context.Context, cfg AdapterConfig, req *Request) (*Response, error) {
	adapter, err := adapterFor(cfg.Provider)
	if err != nil {
		return nil, err
	}

	clampRequest(req)

	httpReq, err := adapter.BuildRequest(cfg, req)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Consume(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.doAttempt(ctx, httpReq, adapter)
		elapsed := time.Since(start)

		if err == nil {
			c.observe(cfg.Provider, "success", elapsed)
			return resp, nil
		}

		// Timeouts and cancellation are never retried.
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Attempt = attempt
			c.observe(cfg.Provider, "timeout", elapsed)
			return nil, te
		}
		if ctx.Err() != nil {
			c.observe(cfg.Provider, "cancelled", elapsed)
			return nil, ctx.Err()
		}

		if !retryable(err) {
			c.observe(cfg.Provider, "error", elapsed)
			return nil, err
		}

		c.observe(cfg.Provider, "retry", elapsed)
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		slog.Warn("LLM call failed, retrying",
			"provider", cfg.Provider, "attempt", attempt, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("LLM call failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// doAttempt performs one HTTP round trip under the per-attempt deadline.
func (c *Client) doAttempt(ctx context.Context, httpReq *HTTPRequest, adapter Adapter) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	outbound, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, httpReq.URL, bytes.NewReader(httpReq.Body))
	if err != nil {
		return nil, fmt.Errorf("building HTTP request: %w", err)
	}
	for k, v := range httpReq.Headers {
		outbound.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(outbound)
	if err != nil {
		// The per-attempt deadline firing while the parent is still live is a
		// timeout, not a transient transport error.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Err: err}
		}
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Err: err}
		}
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: truncateBody(body)}
	}

	return adapter.ParseResponse(body)
}

// retryable classifies an attempt error per the retry policy: HTTP 429/5xx
// and transport errors retry; everything else is terminal.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	// Adapter parse failures on a 2xx body are terminal.
	var pe *ParseError
	if errors.As(err, &pe) {
		return false
	}
	// Remaining cases are transport errors.
	return true
}

// clampRequest enforces parameter bounds, writing clamped values back into
// ModelParams when the caller passed those keys there.
func clampRequest(req *Request) {
	req.MaxTokens = ClampMaxTokens(float64(req.MaxTokens))
	req.Temperature = ClampTemperature(req.Temperature)

	if req.ModelParams == nil {
		return
	}
	if v, ok := numericParam(req.ModelParams, "max_tokens"); ok {
		req.MaxTokens = ClampMaxTokens(v)
		req.ModelParams["max_tokens"] = req.MaxTokens
	}
	if v, ok := numericParam(req.ModelParams, "temperature"); ok {
		req.Temperature = ClampTemperature(v)
		req.ModelParams["temperature"] = req.Temperature
	}
}

// ClampMaxTokens rounds and clamps a token budget to [MinMaxTokens, MaxMaxTokens].
func ClampMaxTokens(v float64) int {
	n := int(math.Round(v))
	if n < MinMaxTokens {
		return MinMaxTokens
	}
	if n > MaxMaxTokens {
		return MaxMaxTokens
	}
	return n
}

// ClampTemperature clamps a sampling temperature to [MinTemp, MaxTemp].
func ClampTemperature(v float64) float64 {
	if v < MinTemp {
		return MinTemp
	}
	if v > MaxTemp {
		return MaxTemp
	}
	return v
}

func numericParam(params map[string]any, key string) (float64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func (c *Client) observe(p Provider, outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveLLMAttempt(string(p), outcome, d)
	}
}
