package model

import (
	"sync"
	"time"
)

// BreakerConfig controls when an endpoint is taken out of rotation.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed requests that
	// opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long an open breaker waits before letting a
	// trial request through.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// DefaultBreakerConfig opens after five straight failures, more than one
// agent's retry budget, so a single unlucky call cannot trip an endpoint
// for every concurrent call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Health is a snapshot of one endpoint's breaker.
type Health struct {
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	// OpenedAt is zero while the breaker is closed.
	OpenedAt time.Time
	// TrialAt is when the half-open breaker last let a trial request through.
	TrialAt time.Time
}

// Open reports whether the breaker has tripped.
func (h Health) Open() bool { return !h.OpenedAt.IsZero() }

type breakers struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	now   func() time.Time
	state map[string]*Health
}

func newBreakers(cfg BreakerConfig, now func() time.Time) *breakers {
	return &breakers{cfg: cfg, now: now, state: make(map[string]*Health)}
}

func (b *breakers) entry(name string) *Health {
	h, ok := b.state[name]
	if !ok {
		h = &Health{}
		b.state[name] = h
	}
	return h
}

// allow is true for closed breakers. An open breaker past its recovery
// timeout is half-open and admits a single trial request; the next one is
// admitted only if that trial reports no outcome within another timeout.
func (b *breakers) allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.state[name]
	if !ok || !h.Open() {
		return true
	}
	now := b.now()
	if now.Sub(h.OpenedAt) < b.cfg.RecoveryTimeout {
		return false
	}
	if !h.TrialAt.IsZero() && now.Sub(h.TrialAt) < b.cfg.RecoveryTimeout {
		return false
	}
	h.TrialAt = now
	return true
}

// RecordSuccess closes the endpoint's breaker.
func (r *Registry) RecordSuccess(name string) {
	b := r.breakers
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.entry(name)
	h.ConsecutiveFailures = 0
	h.LastSuccess = b.now()
	h.OpenedAt = time.Time{}
	h.TrialAt = time.Time{}
}

// RecordFailure counts a failed request and opens the breaker at the
// threshold. A failed trial restarts the recovery timeout.
func (r *Registry) RecordFailure(name string) {
	b := r.breakers
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.entry(name)
	h.ConsecutiveFailures++
	h.LastFailure = b.now()
	if h.ConsecutiveFailures >= b.cfg.FailureThreshold {
		h.OpenedAt = h.LastFailure
		h.TrialAt = time.Time{}
	}
}

// Health returns the breaker snapshot for name, false before any request
// has been recorded.
func (r *Registry) Health(name string) (Health, bool) {
	b := r.breakers
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.state[name]
	if !ok {
		return Health{}, false
	}
	return *h, true
}
