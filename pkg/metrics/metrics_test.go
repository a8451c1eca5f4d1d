package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()

	r.ObserveLLMAttempt("anthropic", "success", 2*time.Second)
	r.ObserveLLMAttempt("anthropic", "success", time.Second)
	r.ObserveLLMAttempt("anthropic", "error", time.Second)
	r.ObserveJob(pipeline.JobExtractText, "completed", 500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		r.llmAttempts.WithLabelValues("anthropic", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.llmAttempts.WithLabelValues("anthropic", "error")))
}

func TestRecorderQueueDepth(t *testing.T) {
	r := NewRecorder()
	r.SetQueueDepth(pipeline.QueueStats{Queued: 4, InProgress: 2, Dead: 1})

	assert.Equal(t, 4.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("in_progress")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("dead")))
}

func TestRecorderHandlerServesRegistry(t *testing.T) {
	r := NewRecorder()
	r.ObserveJob(pipeline.JobIngest, "completed", time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "scorepipe_job_duration_seconds")
}
