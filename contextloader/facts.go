package contextloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Refs identifies the upstream records that make up a call's context. The
// caller resolves them before scoring; SourceVersion is the upstream data
// stamp (e.g. the newest updated_at across the records).
type Refs struct {
	CompanyID     string   `json:"company_id" yaml:"company_id"`
	RepID         string   `json:"rep_id" yaml:"rep_id"`
	AccountID     string   `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	PriorCallIDs  []string `json:"prior_call_ids,omitempty" yaml:"prior_call_ids,omitempty"`
	SourceVersion string   `json:"source_version,omitempty" yaml:"source_version,omitempty"`
}

// Fingerprint hashes everything in refs beyond the company and rep IDs, so
// that a cache key can be computed without fetching the facts.
func (r Refs) Fingerprint() string {
	prior := slices.Clone(r.PriorCallIDs)
	slices.Sort(prior)

	h := sha256.New()
	h.Write([]byte(r.AccountID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(prior, ",")))
	h.Write([]byte{0})
	h.Write([]byte(r.SourceVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Company describes the selling organization.
type Company struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Industry   string   `json:"industry,omitempty" yaml:"industry,omitempty"`
	Product    string   `json:"product,omitempty" yaml:"product,omitempty"`
	ValueProps []string `json:"value_props,omitempty" yaml:"value_props,omitempty"`
	Playbook   string   `json:"playbook,omitempty" yaml:"playbook,omitempty"`
}

// Rep describes the sales rep on the call.
type Rep struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Account describes the prospect account, when known.
type Account struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// PriorCall summarizes an earlier call with the same account.
type PriorCall struct {
	CallID     string    `json:"call_id" yaml:"call_id"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
	Summary    string    `json:"summary" yaml:"summary"`
}

// Facts is everything needed to render a call's context.
type Facts struct {
	Company    Company     `json:"company" yaml:"company"`
	Rep        Rep         `json:"rep" yaml:"rep"`
	Account    *Account    `json:"account,omitempty" yaml:"account,omitempty"`
	PriorCalls []PriorCall `json:"prior_calls,omitempty" yaml:"prior_calls,omitempty"`
}

// FactsSource reads context facts. Implementations are read-only.
type FactsSource interface {
	LoadFacts(ctx context.Context, refs Refs) (*Facts, error)
}
