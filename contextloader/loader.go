// Package contextloader resolves a call's company, rep and account context
// into prompt text, consulting the prompt cache first.
package contextloader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/callscore/promptcache"
)

// Bundle is the resolved context for one call.
type Bundle struct {
	CallID     string `json:"call_id"`
	CompanyID  string `json:"company_id"`
	RepID      string `json:"rep_id"`
	Text       string `json:"text"`
	SourceHash string `json:"source_hash"`
	FromCache  bool   `json:"from_cache"`
}

// ContextUnavailableError reports that the minimum facts for a call could not
// be resolved. Scoring cannot proceed without them.
type ContextUnavailableError struct {
	CallID string
	Reason string
	Err    error
}

func (e *ContextUnavailableError) Error() string {
	msg := fmt.Sprintf("context unavailable for call %s: %s", e.CallID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContextUnavailableError) Unwrap() error { return e.Err }

// Retryable is false: missing context is treated as a data problem.
func (e *ContextUnavailableError) Retryable() bool { return false }

// Loader resolves bundles. It is safe for concurrent use.
type Loader struct {
	cache    promptcache.Cache
	source   FactsSource
	ttl      time.Duration
	logger   *slog.Logger
	onLookup func(hit bool)
}

// Option configures a Loader.
type Option func(*Loader)

// WithTTL sets the expiry for newly cached renderings. Zero never expires.
func WithTTL(ttl time.Duration) Option {
	return func(l *Loader) {
		l.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithLookupHook observes every cache lookup.
func WithLookupHook(fn func(hit bool)) Option {
	return func(l *Loader) {
		l.onLookup = fn
	}
}

// NewLoader creates a Loader.
func NewLoader(cache promptcache.Cache, source FactsSource, opts ...Option) *Loader {
	l := &Loader{
		cache:  cache,
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve returns the context bundle for a call. A cache hit needs no fetch
// from the facts source. Cache failures degrade to a miss.
func (l *Loader) Resolve(ctx context.Context, callID string, refs Refs) (*Bundle, error) {
	if refs.CompanyID == "" || refs.RepID == "" {
		return nil, &ContextUnavailableError{CallID: callID, Reason: "company and rep references are required"}
	}

	key := promptcache.NewKey(TemplateVersion, refs.CompanyID, refs.RepID, refs.Fingerprint())
	bundle := &Bundle{
		CallID:     callID,
		CompanyID:  refs.CompanyID,
		RepID:      refs.RepID,
		SourceHash: key,
	}

	entry, hit, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("Prompt cache read failed, treating as miss",
			"call_id", callID, "key", key, "error", err)
		hit = false
	}
	if l.onLookup != nil {
		l.onLookup(hit)
	}
	if hit {
		bundle.Text = entry.Payload
		bundle.FromCache = true
		return bundle, nil
	}

	facts, err := l.source.LoadFacts(ctx, refs)
	if err != nil {
		return nil, &ContextUnavailableError{CallID: callID, Reason: "load facts", Err: err}
	}
	if reason := missingFacts(facts); reason != "" {
		return nil, &ContextUnavailableError{CallID: callID, Reason: reason}
	}

	bundle.Text = Render(facts)

	if err := l.cache.Put(ctx, key, bundle.Text, l.ttl); err != nil {
		l.logger.Warn("Prompt cache write failed",
			"call_id", callID, "key", key, "error", err)
	}

	return bundle, nil
}

func missingFacts(f *Facts) string {
	var missing []string
	if f == nil {
		return "no facts returned"
	}
	if strings.TrimSpace(f.Company.Name) == "" {
		missing = append(missing, "company name")
	}
	if strings.TrimSpace(f.Rep.Name) == "" {
		missing = append(missing, "rep name")
	}
	if len(missing) == 0 {
		return ""
	}
	return "missing " + strings.Join(missing, ", ")
}
