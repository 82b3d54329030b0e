package llmstream

import (
	"fmt"
	"sync"
)

// ProviderID represents a unique provider identifier.
// Using a typed constant prevents typos and provides compile-time safety.
type ProviderID string

// Known provider identifiers
const (
	// ProviderAnthropic is Anthropic's Claude API
	ProviderAnthropic ProviderID = "anthropic"

	// ProviderOpenRouter is OpenRouter's OpenAI-compatible API
	ProviderOpenRouter ProviderID = "openrouter"

	// ProviderAISDK is any source already emitting AI-SDK stream parts
	ProviderAISDK ProviderID = "ai-sdk"

	// ProviderLorem is the mock Lorem provider for testing
	ProviderLorem ProviderID = "lorem"
)

// String returns the string representation of the provider ID
func (p ProviderID) String() string {
	return string(p)
}

// IsValid returns true if the provider ID is a known provider
func (p ProviderID) IsValid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenRouter, ProviderAISDK, ProviderLorem:
		return true
	default:
		return false
	}
}

// ProviderRegistry resolves models to registered providers.
// Providers are consulted in registration order.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewProviderRegistry creates a registry with the given providers.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	return &ProviderRegistry{providers: providers}
}

// Register appends a provider. A provider with the same name is replaced.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.providers {
		if existing.Name() == p.Name() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// Resolve returns the first provider supporting model.
func (r *ProviderRegistry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, &ModelError{
		Model:    model,
		Provider: "registry",
		Reason:   fmt.Sprintf("no registered provider supports model (have %d providers)", len(r.providers)),
		Err:      ErrInvalidModel,
	}
}

// Names lists registered provider ids in order.
func (r *ProviderRegistry) Names() []ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]ProviderID, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}
