// Package health aggregates readiness checks for the /health endpoint.
// The server registers one checker per dependency it was wired with, the
// database being the usual one; memory-store deployments run with an
// empty registry and report healthy.
package health

import (
	"context"
	"sync"
)

// Status is one dependency's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single dependency. Implementations should honor the
// context deadline; a hung database ping must not hang the endpoint.
type Checker func(ctx context.Context) Status

// Registry holds the registered checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	checks []registered
}

type registered struct {
	name string
	run  Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under name. Registration order is the order
// results come back in.
func (r *Registry) Register(name string, run Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, registered{name: name, run: run})
	r.mu.Unlock()
}

// CheckAll probes every dependency. The aggregate is healthy only when
// every individual check is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]registered, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(checks))
	for i, c := range checks {
		statuses[i] = c.run(ctx)
		healthy = healthy && statuses[i].Healthy
	}
	return healthy, statuses
}
