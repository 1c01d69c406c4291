package llm

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
)

// Provider translates a Request to one model API's wire format and back.
// Implementations are stateless and shared by every endpoint that names them.
type Provider interface {
	// Name is the value endpoints use in their provider field.
	Name() string

	// Endpoint resolves the completion URL. An empty baseURL selects the
	// provider's public API.
	Endpoint(baseURL string) string

	// Authorize sets credential and attribution headers.
	Authorize(h http.Header)

	// Encode renders req for model.
	Encode(model string, req Request) ([]byte, error)

	// Decode parses a successful response body.
	Decode(body []byte) (*Response, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes p available to endpoints under p.Name(). It panics
// when the name is already taken, so a clash surfaces at init.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, dup := providers[p.Name()]; dup {
		panic(fmt.Sprintf("llm: provider %q registered twice", p.Name()))
	}
	providers[p.Name()] = p
}

// LookupProvider returns the provider registered under name.
func LookupProvider(name string) (Provider, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[name]
	return p, ok
}

// ListProviders returns the registered provider names in order.
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return slices.Sorted(maps.Keys(providers))
}
