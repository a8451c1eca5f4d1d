// Package metrics exposes the Prometheus instrumentation for the pipeline:
// LLM attempt counters, stage-job durations, and queue depth. A Recorder
// satisfies both the llm and pipeline recorder interfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scorepipe/scorepipe/pkg/pipeline"
)

// Recorder registers and feeds the pipeline's metrics.
type Recorder struct {
	registry *prometheus.Registry

	llmAttempts *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	jobDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
}

// NewRecorder creates a Recorder backed by its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		llmAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scorepipe_llm_attempts_total",
			Help: "LLM call attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorepipe_llm_attempt_duration_seconds",
			Help:    "LLM call attempt duration by provider.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 90},
		}, []string{"provider"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorepipe_job_duration_seconds",
			Help:    "Stage job duration by job name and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		}, []string{"job", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scorepipe_queue_jobs",
			Help: "Queue depth by job status.",
		}, []string{"status"}),
	}
}

// ObserveLLMAttempt records one LLM call attempt.
func (r *Recorder) ObserveLLMAttempt(provider, outcome string, duration time.Duration) {
	r.llmAttempts.WithLabelValues(provider, outcome).Inc()
	r.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveJob records one finished stage job.
func (r *Recorder) ObserveJob(name, outcome string, duration time.Duration) {
	r.jobDuration.WithLabelValues(name, outcome).Observe(duration.Seconds())
}

// SetQueueDepth publishes the latest queue stats. Called by the scheduler
// tick.
func (r *Recorder) SetQueueDepth(stats pipeline.QueueStats) {
	r.queueDepth.WithLabelValues("queued").Set(float64(stats.Queued))
	r.queueDepth.WithLabelValues("in_progress").Set(float64(stats.InProgress))
	r.queueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	r.queueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

// Handler serves the /metrics endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
