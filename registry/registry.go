// Package registry holds the immutable node store and the handler registry.
//
// The node store is append-only: a (logical name, version) entry, once
// written, is never modified or deleted, so old versions remain valid handles
// forever. Reads are safe for arbitrary concurrency; writes to the same
// logical name are serialized so two adaptations can never race to the same
// version number.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/version"
)

// Registry is the immutable store of node definitions.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]map[string]*model.Definition // logical name -> version -> definition

	lockMu    sync.Mutex
	nameLocks map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes:     make(map[string]map[string]*model.Definition),
		nameLocks: make(map[string]*sync.Mutex),
	}
}

// Put validates and stores a new node definition. It fails if the exact
// (name, version) identity already exists: entries are immutable.
func (r *Registry) Put(def *model.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.nodes[def.Name]
	if versions == nil {
		versions = make(map[string]*model.Definition)
		r.nodes[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("node %s already registered; definitions are immutable", def.Identity())
	}
	versions[def.Version] = def
	return nil
}

// Exact returns the definition pinned to an exact identity.
func (r *Registry) Exact(id model.Identity) (*model.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.nodes[id.Name][id.Version]
	return def, ok
}

// Latest resolves "latest version of a named node": the highest semantic
// version among non-deprecated entries. Only when every version is
// deprecated does it fall back to the highest deprecated one.
func (r *Registry) Latest(name string) (*model.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best, bestDeprecated *model.Definition
	for _, def := range r.nodes[name] {
		if def.Deprecated {
			if bestDeprecated == nil || version.Compare(def.Version, bestDeprecated.Version) > 0 {
				bestDeprecated = def
			}
			continue
		}
		if best == nil || version.Compare(def.Version, best.Version) > 0 {
			best = def
		}
	}
	if best != nil {
		return best, true
	}
	if bestDeprecated != nil {
		return bestDeprecated, true
	}
	return nil, false
}

// Versions returns every stored version of a logical name, sorted ascending.
func (r *Registry) Versions(name string) []*model.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Definition, 0, len(r.nodes[name]))
	for _, def := range r.nodes[name] {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return version.Compare(out[i].Version, out[j].Version) < 0
	})
	return out
}

// Names returns all logical names in the registry, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every stored definition in deterministic (name, version)
// order, which composition relies on for reproducible plans.
func (r *Registry) All() []*model.Definition {
	var out []*model.Definition
	for _, name := range r.Names() {
		out = append(out, r.Versions(name)...)
	}
	return out
}

// WithNameLock runs fn while holding the write lock for one logical name.
// The adaptation manager uses it to make "read latest, bump, put" atomic per
// logical node.
func (r *Registry) WithNameLock(name string, fn func() error) error {
	r.lockMu.Lock()
	lock := r.nameLocks[name]
	if lock == nil {
		lock = &sync.Mutex{}
		r.nameLocks[name] = lock
	}
	r.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}
