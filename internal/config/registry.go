package config

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrModelNotFound is returned when a requested model is not configured.
var ErrModelNotFound = errors.New("model not found")

// Snapshot is an immutable view of the configuration. Readers never lock;
// Reload publishes a fresh snapshot atomically.
type Snapshot struct {
	cfg    *Config
	models map[string]Model
}

func newSnapshot(cfg *Config) *Snapshot {
	models := make(map[string]Model, len(cfg.Models))
	for name, mc := range cfg.Models {
		models[name] = buildModel(name, mc)
	}
	return &Snapshot{cfg: cfg, models: models}
}

func (s *Snapshot) Config() *Config { return s.cfg }

func (s *Snapshot) GetModel(name string) (Model, error) {
	m, ok := s.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return m, nil
}

// ModelsWithCapability returns configured models carrying the capability,
// sorted by name for stable listings.
func (s *Snapshot) ModelsWithCapability(cap Capability) []Model {
	var out []Model
	for _, m := range s.models {
		if m.Has(cap) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllModels returns every configured model sorted by name.
func (s *Snapshot) AllModels() []Model {
	out := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registry hands out the current configuration snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	path    string
}

// NewRegistry loads the config file and publishes the first snapshot.
func NewRegistry(path string) (*Registry, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.current.Store(newSnapshot(cfg))
	return r, nil
}

// NewRegistryFromConfig wraps an already-decoded config; used by tests.
func NewRegistryFromConfig(cfg *Config) *Registry {
	r := &Registry{}
	r.current.Store(newSnapshot(cfg))
	return r
}

// Current returns the active snapshot. The returned value is immutable.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Reload re-reads the config file and swaps in a new snapshot. Single-writer:
// callers must not run Reload concurrently. In-flight readers keep the old view.
func (r *Registry) Reload() error {
	if r.path == "" {
		return errors.New("registry has no backing file")
	}
	cfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	r.current.Store(newSnapshot(cfg))
	return nil
}
