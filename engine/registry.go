package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uc-cdis/bosun/config"
)

// Factory builds a module instance for one pipeline.
type Factory func(conf *config.Config) (Module, error)

// Registry maps stable module ids to factories. It is filled at process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a module factory. Returns an error if the id already exists.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("module: id is required")
	}
	if factory == nil {
		return fmt.Errorf("module: factory is required for %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("module: %s already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// New constructs the module registered under id.
func (r *Registry) New(id string, conf *config.Config) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &DependencyResolutionError{
			Module: id,
			Reason: fmt.Sprintf("no module registered with this id; known modules: %s", strings.Join(r.IDs(), ", ")),
		}
	}
	module, err := factory(conf)
	if err != nil {
		var confErr *config.Error
		if errors.As(err, &confErr) {
			return nil, err
		}
		return nil, &DependencyResolutionError{Module: id, Reason: fmt.Sprintf("factory failed: %v", err)}
	}
	if module.ID() != id {
		return nil, &DependencyResolutionError{Module: id, Reason: fmt.Sprintf("factory built module %s", module.ID())}
	}
	return module, nil
}

// IDs returns a sorted list of registered module identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
