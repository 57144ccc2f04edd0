package virtual

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh, unconfigured derivation instance.
type Factory func() Process

// KindFactory builds a Factory for one derivation kind from a manifest.
// New kinds register a KindFactory; the framework itself never changes.
type KindFactory func(m Manifest) Factory

// Registry maps virtual-procedure names to derivation factories. It replaces
// the original deployment's request-time dynamic code loading: the mapping
// is populated once at startup (from a plugin directory or a statically
// linked set) and is read-only afterwards. The instances it produces are
// request-scoped and never shared.
type Registry struct {
	mu        sync.RWMutex
	kinds     map[string]KindFactory
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in derivation kinds
// ("hq" and "profile") available.
func NewRegistry() *Registry {
	r := &Registry{
		kinds:     make(map[string]KindFactory),
		factories: make(map[string]Factory),
	}
	r.RegisterKind(KindRatingCurve, func(m Manifest) Factory {
		return func() Process { return NewRatingCurve(m.Dependencies...) }
	})
	r.RegisterKind(KindProfile, func(m Manifest) Factory {
		return func() Process { return NewProfile(m.Offering) }
	})
	return r
}

// RegisterKind adds a derivation kind. Panics on a duplicate name, like
// database/sql driver registration: duplicates are a wiring bug.
func (r *Registry) RegisterKind(kind string, f KindFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.kinds[kind]; dup {
		panic(fmt.Sprintf("virtual: derivation kind %q registered twice", kind))
	}
	r.kinds[kind] = f
}

// Register binds a virtual-procedure name to a factory. Panics on a
// duplicate name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("virtual: procedure %q registered twice", name))
	}
	r.factories[name] = f
}

// RegisterManifest instantiates the manifest's kind factory and binds it to
// the manifest's procedure name.
func (r *Registry) RegisterManifest(m Manifest) error {
	r.mu.RLock()
	kf, ok := r.kinds[m.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("virtual: procedure %q declares unknown kind %q", m.Name, m.Kind)
	}
	r.Register(m.Name, kf(m))
	return nil
}

// New activates the derivation registered under name, returning a fresh
// instance that the caller must Configure before use.
func (r *Registry) New(name string) (Process, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no derivation registered for %q", name)
	}
	return f(), nil
}

// Names lists the registered virtual-procedure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
