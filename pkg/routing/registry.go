package routing

import (
	"fmt"
	"slices"
	"sync"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/placement"
)

// Dependencies are the collaborators shared by the routers of one service.
type Dependencies struct {
	Selector *placement.Selector
	Cache    cache.PlanCache
}

// Options tune the routers built by a registry.
type Options struct {
	MaxFullPlacementWidth int
	Parallelism           int
}

// Factory builds one router.
type Factory func(deps Dependencies, opts Options) (Router, error)

// Registry maps router names to factories. Configurations are validated by
// building them, so a bad router list fails at startup or reload time rather
// than per query.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in routers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[NameSimple] = func(deps Dependencies, _ Options) (Router, error) {
		return NewSimpleRouter(deps.Selector), nil
	}
	r.factories[NameFullPlacement] = func(deps Dependencies, opts Options) (Router, error) {
		return NewFullPlacementRouter(deps.Selector, opts.MaxFullPlacementWidth, opts.Parallelism), nil
	}
	r.factories[NameDML] = func(deps Dependencies, _ Options) (Router, error) {
		return NewDMLRouter(deps.Selector), nil
	}
	r.factories[NameCacheReplay] = func(deps Dependencies, _ Options) (Router, error) {
		if deps.Cache == nil {
			return nil, fmt.Errorf("%s router needs a plan cache", NameCacheReplay)
		}
		return NewCacheReplayRouter(deps.Cache), nil
	}
	return r
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return errors.Newf(errors.CodeInvalidConfig, "router %q is already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered router names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build instantiates the named routers in order. Unknown or duplicate names
// and factory failures are INVALID_CONFIG errors.
func (r *Registry) Build(names []string, deps Dependencies, opts Options) ([]Router, error) {
	if len(names) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "at least one router must be configured")
	}
	if deps.Selector == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "routers need a placement selector")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	routers := make([]Router, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, errors.Newf(errors.CodeInvalidConfig, "router %q is configured twice", name)
		}
		seen[name] = true

		f, ok := r.factories[name]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidConfig, "unknown router %q", name).
				WithDetail("known", r.namesLocked())
		}
		router, err := f(deps, opts)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to build router %q", name)
		}
		routers = append(routers, router)
	}
	return routers, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
