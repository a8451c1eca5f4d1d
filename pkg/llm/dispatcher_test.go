package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRetry(3, 5*time.Millisecond)}, opts...)
	return NewClient(NewRateLimiter(6000), opts...)
}

func ollamaConfig(endpoint string) AdapterConfig {
	return AdapterConfig{Provider: ProviderOllama, Endpoint: endpoint, Model: "test-model"}
}

const okBody = `{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`

func TestCallVisionModelSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	resp, err := testClient(t).CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	// k transient failures before success means exactly k+1 attempts.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	resp, err := testClient(t).CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesExhaustedSurfacesLastError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := testClient(t).CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.Status)
}

func TestBackoffDelaysGrowExponentially(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(NewRateLimiter(6000), WithRetry(3, 40*time.Millisecond))
	_, err := client.CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.Error(t, err)
	require.Len(t, stamps, 3)

	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, gap1, 40*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 80*time.Millisecond)
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request body that is fairly long to exercise truncation"}`))
	}))
	defer srv.Close()

	_, err := testClient(t).CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Status)
	assert.LessOrEqual(t, len(he.Body), maxErrorBody)
}

func TestAttemptTimeoutSurfacesImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := testClient(t, WithAttemptTimeout(30*time.Millisecond))
	_, err := client.CallVisionModel(context.Background(), ollamaConfig(srv.URL), baseRequest())
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Attempt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "timeouts must not be retried")
}

func TestParentCancellationStopsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(NewRateLimiter(6000), WithRetry(3, 500*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.CallVisionModel(ctx, ollamaConfig(srv.URL), baseRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnknownProviderFailsFast(t *testing.T) {
	_, err := testClient(t).CallVisionModel(context.Background(),
		AdapterConfig{Provider: "mystery", Endpoint: "http://x", Model: "m"}, baseRequest())
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestClampMaxTokens(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 64},
		{63.4, 64},
		{64, 64},
		{1000.6, 1001},
		{16384, 16384},
		{999999, 16384},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampMaxTokens(tt.in), "ClampMaxTokens(%v)", tt.in)
	}
}

func TestClampTemperature(t *testing.T) {
	assert.Equal(t, 0.0, ClampTemperature(-1))
	assert.Equal(t, 0.7, ClampTemperature(0.7))
	assert.Equal(t, 2.0, ClampTemperature(5))
}

func TestClampWritesBackIntoModelParams(t *testing.T) {
	req := baseRequest()
	req.ModelParams = map[string]any{"max_tokens": float64(999999), "temperature": 3.5}
	clampRequest(req)

	assert.Equal(t, 16384, req.MaxTokens)
	assert.Equal(t, 16384, req.ModelParams["max_tokens"])
	assert.Equal(t, 2.0, req.Temperature)
	assert.Equal(t, 2.0, req.ModelParams["temperature"])
}
