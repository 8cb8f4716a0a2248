package providers

import "strings"

// Registry holds every Provider this process currently has credentials
// for, keyed by name, and resolves an agent's "provider/model"
// reference (as written under its AGENTS.md heading) against it. When
// the named provider isn't available, Resolve walks a configured
// fallback order instead of hard-coding one — the "configured fallback
// order" spec §9 calls for in place of a hard-coded pick.
type Registry struct {
	byName map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Provider{}}
}

// Register adds or replaces the provider under its own Name().
func (r *Registry) Register(p Provider) {
	r.byName[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Resolve parses ref as "provider/model" (model optional; a bare
// "provider" or empty ref is also accepted). If the named provider is
// registered, it is used with the given model (or that provider's own
// default model when ref carries none). Otherwise fallbackOrder is
// walked in order for the first registered provider; if none of those
// are registered either, any one remaining registered provider is
// used as a last resort. Returns (nil, "") only when no provider at
// all is registered.
func (r *Registry) Resolve(ref string, fallbackOrder []string) (Provider, string) {
	name, model := splitRef(ref)
	if name != "" {
		if p, ok := r.byName[name]; ok {
			if model == "" {
				model = p.DefaultModel()
			}
			return p, model
		}
	}
	for _, name := range fallbackOrder {
		if p, ok := r.byName[name]; ok {
			return p, p.DefaultModel()
		}
	}
	for _, p := range r.byName {
		return p, p.DefaultModel()
	}
	return nil, ""
}

func splitRef(ref string) (provider, model string) {
	provider, model, found := strings.Cut(ref, "/")
	if !found {
		return ref, ""
	}
	return provider, model
}
