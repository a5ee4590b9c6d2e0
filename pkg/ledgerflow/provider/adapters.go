package provider

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
)

// AdapterFactory builds the adapter of one provider kind.
type AdapterFactory func(cfg AdapterConfig) Adapter

// kinds maps ProviderSettings.Kind to its factory.
var kinds = struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}{
	factories: map[string]AdapterFactory{
		"openai":    func(cfg AdapterConfig) Adapter { return NewOpenAIAdapter(cfg) },
		"anthropic": func(cfg AdapterConfig) Adapter { return NewAnthropicAdapter(cfg) },
	},
}

// RegisterKind adds or replaces the factory for a provider kind. A nil
// factory removes the kind.
func RegisterKind(kind string, f AdapterFactory) {
	kinds.mu.Lock()
	defer kinds.mu.Unlock()
	if f == nil {
		delete(kinds.factories, kind)
		return
	}
	kinds.factories[kind] = f
}

// Kinds returns the registered provider kinds, sorted.
func Kinds() []string {
	kinds.mu.RLock()
	defer kinds.mu.RUnlock()
	out := make([]string, 0, len(kinds.factories))
	for k := range kinds.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// NewAdapter builds the adapter for configured provider settings.
func NewAdapter(ps config.ProviderSettings, client *http.Client) (Adapter, error) {
	kinds.mu.RLock()
	factory, ok := kinds.factories[ps.Kind]
	kinds.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown kind %q", ps.ID, ps.Kind)
	}
	return factory(AdapterConfig{
		Provider:   ps.ID,
		Model:      ps.Model,
		BaseURL:    ps.BaseURL,
		APIKey:     ps.APIKey,
		HTTPClient: client,
	}), nil
}

// FromAllSettings builds a Provider for every configured provider that has an
// API key. Providers without a key are skipped.
func FromAllSettings(settings []config.ProviderSettings, client *http.Client) ([]Provider, error) {
	var out []Provider
	for _, ps := range settings {
		if ps.APIKey == "" {
			continue
		}
		adapter, err := NewAdapter(ps, client)
		if err != nil {
			return nil, err
		}
		out = append(out, Provider{Config: FromSettings(ps), Adapter: adapter})
	}
	return out, nil
}
