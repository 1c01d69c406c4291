package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.JobStarted()
	r.JobStarted()
	r.JobFinished("completed", 12*time.Second)
	r.ExtractionOutcome("objection", "validation_failed")
	r.AgentAttempt("synthesis", "success")
	r.CacheLookup(true)
	r.CacheLookup(false)
	r.CacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("objection", "validation_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("synthesis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("miss")))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobStarted()
		r.JobFinished("timed_out", time.Second)
		r.ExtractionOutcome("pain-point", "success")
		r.AgentAttempt("pain-point", "success")
		r.CacheLookup(true)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.CacheLookup(true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `callscore_prompt_cache_lookups_total{result="hit"} 1`)
}
