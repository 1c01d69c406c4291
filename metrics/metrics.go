// Package metrics exposes Prometheus instrumentation for call scoring.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callscore"

// Recorder holds the scoring metrics.
type Recorder struct {
	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	outcomes     *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
}

// NewRecorder creates a Recorder and registers its collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Scoring jobs by terminal state.",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from queued to terminal state.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Scoring jobs currently executing.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_outcomes_total",
			Help:      "Joined extraction outcomes by kind and status.",
		}, []string{"kind", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_attempts_total",
			Help:      "Individual model attempts by agent and result.",
		}, []string{"agent", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_cache_lookups_total",
			Help:      "Prompt cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(r.jobs, r.jobDuration, r.inFlight, r.outcomes, r.attempts, r.cacheLookups)
	return r
}

// JobStarted marks a job as in flight.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// JobFinished records a job's terminal state and duration.
func (r *Recorder) JobFinished(state string, d time.Duration) {
	if r == nil {
		return
	}
	r.inFlight.Dec()
	r.jobs.WithLabelValues(state).Inc()
	r.jobDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ExtractionOutcome records one joined extraction outcome.
func (r *Recorder) ExtractionOutcome(kind, status string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(kind, status).Inc()
}

// AgentAttempt records one model attempt.
func (r *Recorder) AgentAttempt(agent, status string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(agent, status).Inc()
}

// CacheLookup records a prompt cache hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
