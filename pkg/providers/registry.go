// Package providers holds the catalog of SaaS providers the identity broker
// can connect. The registry is immutable after construction; it is built from
// compiled-in defaults, optionally extended or overridden by a YAML file at
// startup.
package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"toolgate/pkg/types"
)

// Action is one broker-executed operation a provider exposes.
type Action struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Params      types.ParamSchema `yaml:"params" json:"params"`
}

// Provider describes one SaaS integration.
type Provider struct {
	ID           string   `yaml:"id" json:"id"`
	AuthConfigID string   `yaml:"auth_config_id" json:"-"`
	Description  string   `yaml:"description" json:"description"`
	Category     string   `yaml:"category" json:"category"`
	Actions      []Action `yaml:"actions" json:"actions"`
}

// Registry resolves providers by id and by action name.
type Registry struct {
	byID     map[string]Provider
	byAction map[string]string // action name -> provider id
}

// NewRegistry builds a registry from the given providers. Later entries with
// the same id replace earlier ones, which is how YAML overrides defaults.
func NewRegistry(provs []Provider) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]Provider),
		byAction: make(map[string]string),
	}
	for _, p := range provs {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("providers.NewRegistry: provider with empty id")
		}
		if p.AuthConfigID == "" {
			return nil, fmt.Errorf("providers.NewRegistry: provider %s has no auth_config_id", p.ID)
		}
		r.byID[p.ID] = p
	}
	for id, p := range r.byID {
		for _, a := range p.Actions {
			name := strings.ToUpper(strings.TrimSpace(a.Name))
			if name == "" {
				return nil, fmt.Errorf("providers.NewRegistry: provider %s has an unnamed action", id)
			}
			if owner, dup := r.byAction[name]; dup && owner != id {
				return nil, fmt.Errorf("providers.NewRegistry: action %s claimed by both %s and %s", name, owner, id)
			}
			r.byAction[name] = id
		}
	}
	return r, nil
}

// Load builds the registry from built-in defaults plus an optional YAML file.
// An empty path means defaults only.
func Load(path string) (*Registry, error) {
	provs := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("providers.Load: %w", err)
		}
		var doc struct {
			Providers []Provider `yaml:"providers"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("providers.Load: parsing %s: %w", path, err)
		}
		provs = append(provs, doc.Providers...)
	}
	return NewRegistry(provs)
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.byID[strings.ToLower(id)]
	return p, ok
}

// All returns every provider, sorted by id.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderForAction resolves an action name like GMAIL_SEND_EMAIL to its
// provider. Registered actions match exactly; otherwise the segment before
// the first underscore is tried as a provider id, which lets the broker
// execute actions the registry does not enumerate.
func (r *Registry) ProviderForAction(action string) (Provider, bool) {
	name := strings.ToUpper(strings.TrimSpace(action))
	if id, ok := r.byAction[name]; ok {
		return r.byID[id], true
	}
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return Provider{}, false
	}
	return r.Get(prefix)
}
