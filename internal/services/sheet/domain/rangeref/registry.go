package rangeref

import (
	"fmt"
	"log"
	"strings"
)

// Provider is implemented by every plugin that stores ranges or reference
// text. AdaptRanges must only mutate the provider's own state.
type Provider interface {
	AdaptRanges(apply ApplyChange, scope Scope)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(apply ApplyChange, scope Scope)

// AdaptRanges calls f.
func (f ProviderFunc) AdaptRanges(apply ApplyChange, scope Scope) {
	f(apply, scope)
}

type namedProvider struct {
	name     string
	provider Provider
}

// Registry holds range providers in registration order.
type Registry struct {
	providers []namedProvider
	logger    *log.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a provider under a unique name.
func (r *Registry) Register(name string, provider Provider) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("range provider name is required")
	}
	if provider == nil {
		return fmt.Errorf("range provider %s is nil", name)
	}
	for _, existing := range r.providers {
		if existing.name == name {
			return fmt.Errorf("range provider already registered: %s", name)
		}
	}
	r.providers = append(r.providers, namedProvider{name: name, provider: provider})
	return nil
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.name)
	}
	return names
}

// Sweep applies one structural change to every provider. A provider that
// panics is logged and skipped; the names of failed providers are returned.
func (r *Registry) Sweep(change Structural) []string {
	if r == nil || change.Apply == nil {
		return nil
	}
	apply := Revalidate(change.Apply)
	var failed []string
	for _, p := range r.providers {
		if !r.adapt(p, apply, change.Scope) {
			failed = append(failed, p.name)
		}
	}
	return failed
}

func (r *Registry) adapt(p namedProvider, apply ApplyChange, scope Scope) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("rangeref: provider %s failed to adapt ranges on sheet %s: %v", p.name, scope.SheetID, rec)
			ok = false
		}
	}()
	p.provider.AdaptRanges(apply, scope)
	return true
}
