// Package jobtype maps job type tags onto the policy hooks the scheduler needs for them: which resource pool a
// type draws from and which execution backend runs it.
package jobtype

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/executor"
)

// Pool is a quantized resource shared by one or more job types, e.g. {Name: "gpu", Unit: "gpu", Capacity: 8}.
// A pool with no Unit is unmetered: its jobs request nothing and are never held back by capacity.
type Pool struct {
	Name     string
	Unit     string
	Capacity int64
}

func (p Pool) Metered() bool {
	return p.Unit != ""
}

// Saturated returns true if a metered pool has no capacity left given the reserved amount.
func (p Pool) Saturated(reserved int64) bool {
	return p.Metered() && reserved >= p.Capacity
}

// Handler holds the type-specific hooks for one job type.
type Handler interface {
	Pool() Pool
	Backend() executor.Backend
}

type handler struct {
	pool    Pool
	backend executor.Backend
}

func (h handler) Pool() Pool                { return h.pool }
func (h handler) Backend() executor.Backend { return h.backend }

// NewHandler returns a Handler that draws from pool and dispatches to backend.
func NewHandler(pool Pool, backend executor.Backend) Handler {
	return handler{pool: pool, backend: backend}
}

// Registry is keyed by job type. It is populated at startup and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
	pools    map[string]Pool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		pools:    map[string]Pool{},
	}
}

// Register adds a job type. Types sharing a pool must agree on its unit and capacity.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return errors.WithStack(&schedulererrors.ErrInvalidArgument{Name: "jobType", Value: jobType, Message: "must not be empty"})
	}
	if _, ok := r.handlers[jobType]; ok {
		return errors.WithStack(&schedulererrors.ErrAlreadyExists{Type: "jobType", Value: jobType})
	}
	pool := h.Pool()
	if existing, ok := r.pools[pool.Name]; ok && existing != pool {
		return errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "pool",
			Value:   pool.Name,
			Message: "pool is already registered with a different unit or capacity",
		})
	}
	r.pools[pool.Name] = pool
	r.handlers[jobType] = h
	return nil
}

// Handler returns the hooks for jobType.
func (r *Registry) Handler(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// PoolFor returns the pool jobType draws from.
func (r *Registry) PoolFor(jobType string) (Pool, bool) {
	h, ok := r.handlers[jobType]
	if !ok {
		return Pool{}, false
	}
	return h.Pool(), true
}

// BackendFor returns the execution backend for jobType.
func (r *Registry) BackendFor(jobType string) (executor.Backend, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, errors.WithStack(&schedulererrors.ErrNotFound{Type: "jobType", Value: jobType})
	}
	return h.Backend(), nil
}

// Pools returns every registered pool, sorted by name.
func (r *Registry) Pools() []Pool {
	pools := maps.Values(r.pools)
	slices.SortFunc(pools, func(a, b Pool) bool { return a.Name < b.Name })
	return pools
}

// Types returns every registered job type, sorted.
func (r *Registry) Types() []string {
	types := maps.Keys(r.handlers)
	slices.Sort(types)
	return types
}

// TypesInPool returns the job types drawing from the named pool, sorted.
func (r *Registry) TypesInPool(pool string) []string {
	var types []string
	for jobType, h := range r.handlers {
		if h.Pool().Name == pool {
			types = append(types, jobType)
		}
	}
	slices.Sort(types)
	return types
}

// CapacityByPool returns the capacity of every registered pool.
func (r *Registry) CapacityByPool() map[string]int64 {
	capacity := make(map[string]int64, len(r.pools))
	for name, pool := range r.pools {
		capacity[name] = pool.Capacity
	}
	return capacity
}
