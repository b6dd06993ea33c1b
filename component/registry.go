package component

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/pilotstreams/errors"
)

// Factory builds the Initializer for a stage from its raw JSON options
type Factory func(raw json.RawMessage) (Initializer, error)

// Registration describes a stage kind that can be spawned by name
type Registration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Factory     Factory `json:"-"`
}

// Registry holds stage factories and the instances spawned from them
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Registration
	instances map[string]*Component
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Registration),
		instances: make(map[string]*Component),
	}
}

// Register adds a stage kind. Names must be unique.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" || reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "check registration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[reg.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateBinding, reg.Name), "Registry", "Register", "register factory")
	}
	r.factories[reg.Name] = reg
	return nil
}

// Registrations lists the registered stage kinds sorted by name
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.factories))
	for _, reg := range r.factories {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b Registration) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Spawn builds stage kind and spawns count instances of it. Instance i is
// named "<cfg.Name>.<i>". On error the instances already started are
// stopped.
func (r *Registry) Spawn(ctx context.Context, kind string, count int, cfg Config, raw json.RawMessage, deps Dependencies) ([]*Component, error) {
	r.mu.RLock()
	reg, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: stage %q", errors.ErrInvalidConfig, kind), "Registry", "Spawn", "look up factory")
	}
	if cfg.Name == "" {
		cfg.Name = kind
	}

	base := cfg.Name
	var spawned []*Component
	for i := 0; i < max(count, 1); i++ {
		impl, err := reg.Factory(raw)
		if err != nil {
			r.stopAll(spawned)
			return nil, errors.WrapInvalid(err, "Registry", "Spawn", "build "+kind)
		}
		cfg.Name = fmt.Sprintf("%s.%d", base, i)
		c, err := Spawn(ctx, cfg, impl, deps)
		if err != nil {
			r.stopAll(spawned)
			return nil, err
		}
		spawned = append(spawned, c)
	}

	r.mu.Lock()
	for _, c := range spawned {
		r.instances[c.Name()] = c
	}
	r.mu.Unlock()
	return spawned, nil
}

func (r *Registry) stopAll(cs []*Component) {
	for _, c := range cs {
		_ = c.Stop(5 * time.Second)
	}
}

// Instance returns a spawned instance by name
func (r *Registry) Instance(name string) (*Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.instances[name]
	return c, ok
}

// Instances returns every spawned instance sorted by name
func (r *Registry) Instances() []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Component, 0, len(r.instances))
	for _, c := range r.instances {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Component) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// StopAll stops every instance in reverse name order, waiting up to timeout
// for each.
func (r *Registry) StopAll(timeout time.Duration) error {
	instances := r.Instances()
	slices.Reverse(instances)

	var errs []error
	for _, c := range instances {
		if err := c.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.instances = make(map[string]*Component)
	r.mu.Unlock()
	if len(errs) > 0 {
		return errors.Wrap(fmt.Errorf("%d instances did not stop: %w", len(errs), errs[0]), "Registry", "StopAll", "stop instances")
	}
	return nil
}
