package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/courier/internal/runtime/errors"
)

// Target is a resolved job type, optionally bound to a loaded instance.
type Target struct {
	ClassName string
	Instance  any
}

// Registry resolves job types, loads instances and invokes methods on them.
type Registry interface {
	Resolve(className string) (Target, error)
	Load(ctx context.Context, target Target, instanceID any) (Target, error)
	Invoke(ctx context.Context, target Target, method string, args []any) (any, error)
}

// LoaderFunc loads the instance identified by instanceID.
type LoaderFunc func(ctx context.Context, instanceID any) (any, error)

// MethodFunc runs a job method. instance is nil for class-level methods.
type MethodFunc func(ctx context.Context, instance any, args []any) (any, error)

// TypeSpec describes one job type in a TableRegistry.
type TypeSpec struct {
	// Load is required for jobs that carry an instance id.
	Load    LoaderFunc
	Methods map[string]MethodFunc
}

// TableRegistry is a Registry backed by an explicit registration table.
type TableRegistry struct {
	mu    sync.RWMutex
	types map[string]TypeSpec
}

// NewTableRegistry returns an empty registry.
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{types: make(map[string]TypeSpec)}
}

// Register adds or replaces the job type className.
func (r *TableRegistry) Register(className string, spec TypeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[className] = spec
}

// Names returns the registered class names in sorted order.
func (r *TableRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *TableRegistry) spec(className string) (TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[className]
	return spec, ok
}

func (r *TableRegistry) Resolve(className string) (Target, error) {
	if _, ok := r.spec(className); !ok {
		return Target{}, fmt.Errorf("%w: %s", errors.ErrUnknownJobType, className)
	}
	return Target{ClassName: className}, nil
}

func (r *TableRegistry) Load(ctx context.Context, target Target, instanceID any) (Target, error) {
	spec, ok := r.spec(target.ClassName)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", errors.ErrUnknownJobType, target.ClassName)
	}
	if spec.Load == nil {
		return Target{}, fmt.Errorf("job type %s cannot load instances", target.ClassName)
	}
	instance, err := spec.Load(ctx, instanceID)
	if err != nil {
		return Target{}, err
	}
	target.Instance = instance
	return target, nil
}

func (r *TableRegistry) Invoke(ctx context.Context, target Target, method string, args []any) (any, error) {
	spec, ok := r.spec(target.ClassName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownJobType, target.ClassName)
	}
	fn, ok := spec.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", errors.ErrUnknownJobMethod, target.ClassName, method)
	}
	return fn(ctx, target.Instance, args)
}
