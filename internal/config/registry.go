package config

import (
	"sort"
	"sync/atomic"
)

// NamedModel pairs a model name with its endpoint config.
type NamedModel struct {
	Name string
	ModelConfig
}

// Registry publishes an immutable snapshot of the model catalog and token
// settings. Readers never lock; Reload swaps the snapshot wholesale so a
// request sees either the old or the new catalog, never a mix.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is one published view of the configuration.
type Snapshot struct {
	Models map[string]ModelConfig
	OAuth2 OAuth2
}

// NewRegistry builds a registry from the boot configuration.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{}
	r.Reload(cfg)

	return r
}

// Reload publishes a new snapshot. Single-writer.
func (r *Registry) Reload(cfg *Config) {
	models := make(map[string]ModelConfig, len(cfg.Models))
	for name, m := range cfg.Models {
		models[name] = m
	}

	r.snapshot.Store(&Snapshot{
		Models: models,
		OAuth2: cfg.OAuth2,
	})
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// GetModel looks up a model by name.
func (r *Registry) GetModel(name string) (ModelConfig, bool) {
	m, ok := r.Current().Models[name]

	return m, ok
}

// ModelsWithCapability returns all models carrying cap, name-sorted so that
// listings are stable across calls.
func (r *Registry) ModelsWithCapability(cap string) []NamedModel {
	snap := r.Current()

	var out []NamedModel
	for name, m := range snap.Models {
		if m.Has(cap) {
			out = append(out, NamedModel{Name: name, ModelConfig: m})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// AllModels returns every configured model, name-sorted.
func (r *Registry) AllModels() []NamedModel {
	snap := r.Current()

	out := make([]NamedModel, 0, len(snap.Models))
	for name, m := range snap.Models {
		out = append(out, NamedModel{Name: name, ModelConfig: m})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Secret returns the token signing key.
func (r *Registry) Secret() []byte {
	return []byte(r.Current().OAuth2.SecretKey)
}

// Algorithm returns the configured signing algorithm name.
func (r *Registry) Algorithm() string {
	return r.Current().OAuth2.Algorithm
}
