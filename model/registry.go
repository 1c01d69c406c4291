package model

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Route orders the endpoints that serve one capability.
type Route struct {
	Preferred []string `yaml:"preferred"`
	Fallback  []string `yaml:"fallback,omitempty"`
}

func (r Route) chain() []string {
	return slices.Concat(r.Preferred, r.Fallback)
}

// Endpoint is one model behind one provider.
type Endpoint struct {
	// Provider selects the wire format: anthropic, ollama or openai.
	Provider string `yaml:"provider"`
	// URL overrides the provider's public API, e.g. for Ollama or OpenRouter.
	URL   string `yaml:"url,omitempty"`
	Model string `yaml:"model"`
}

// File is the registry file layout.
//
//	capabilities:
//	  extraction: {preferred: [local], fallback: [gpt-4o-mini]}
//	endpoints:
//	  local: {provider: ollama, url: "http://gpu-box:11434/v1", model: "qwen2.5:14b"}
//	breaker:
//	  failure_threshold: 3
//	  recovery_timeout: 1m
type File struct {
	Capabilities map[Capability]Route `yaml:"capabilities"`
	Endpoints    map[string]Endpoint  `yaml:"endpoints"`
	Breaker      *BreakerConfig       `yaml:"breaker,omitempty"`
}

// Validate checks that every route names known capabilities and endpoints.
func (f *File) Validate() error {
	var errs []error
	for c, route := range f.Capabilities {
		if !c.known() {
			errs = append(errs, fmt.Errorf("unknown capability %q", c))
		}
		if len(route.Preferred) == 0 {
			errs = append(errs, fmt.Errorf("capability %q has no preferred endpoint", c))
		}
		for _, name := range route.chain() {
			if _, ok := f.Endpoints[name]; !ok {
				errs = append(errs, fmt.Errorf("capability %q references unknown endpoint %q", c, name))
			}
		}
	}
	for name, ep := range f.Endpoints {
		if ep.Provider == "" || ep.Model == "" {
			errs = append(errs, fmt.Errorf("endpoint %q needs a provider and a model", name))
		}
	}
	if f.Breaker != nil && f.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

// LoadFile reads a registry file. JSON files are accepted as YAML.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model registry %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("model registry %s: %w", path, err)
	}
	return NewRegistry(f), nil
}

// Registry resolves capabilities to endpoint chains and tracks endpoint
// health. Routes are fixed at construction; only breaker state changes.
type Registry struct {
	routes    map[Capability]Route
	endpoints map[string]Endpoint
	breakers  *breakers
}

// NewRegistry builds a registry from f without validating it.
func NewRegistry(f File) *Registry {
	cfg := DefaultBreakerConfig()
	if f.Breaker != nil {
		cfg = *f.Breaker
	}
	return &Registry{
		routes:    f.Capabilities,
		endpoints: f.Endpoints,
		breakers:  newBreakers(cfg, time.Now),
	}
}

// NewDefaultRegistry routes extraction to small hosted models and synthesis
// to larger ones. Used when no registry file is configured.
func NewDefaultRegistry() *Registry {
	return NewRegistry(File{
		Capabilities: map[Capability]Route{
			CapabilityExtraction: {Preferred: []string{"gpt-4o-mini"}, Fallback: []string{"claude-haiku"}},
			CapabilitySynthesis:  {Preferred: []string{"claude-sonnet"}, Fallback: []string{"gpt-4o"}},
		},
		Endpoints: map[string]Endpoint{
			"claude-sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			"claude-haiku":  {Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
			"gpt-4o":        {Provider: "openai", Model: "gpt-4o"},
			"gpt-4o-mini":   {Provider: "openai", Model: "gpt-4o-mini"},
		},
	})
}

// Chain returns the endpoints to try for c, in order. Endpoints with an open
// breaker are left out unless that would leave nothing to try.
func (r *Registry) Chain(c Capability) []string {
	full := r.routes[c].chain()
	usable := slices.DeleteFunc(slices.Clone(full), func(name string) bool {
		return !r.breakers.allow(name)
	})
	if len(usable) == 0 {
		return full
	}
	return usable
}

// Endpoint returns the endpoint registered under name.
func (r *Registry) Endpoint(name string) (Endpoint, bool) {
	ep, ok := r.endpoints[name]
	return ep, ok
}
