// Package health runs named subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. A nil return means healthy.
type Checker func(ctx context.Context) error

type check struct {
	name string
	fn   Checker
}

// Registry runs registered checkers on demand. Each probe gets its own
// timeout so one stuck subsystem cannot hang the health endpoint.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

// NewRegistry creates a registry with a 2s per-probe timeout.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a named checker. Checkers run in registration order.
func (r *Registry) Register(name string, fn Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, fn: fn})
	r.mu.Unlock()
}

// CheckAll probes every subsystem and reports the aggregate along with
// per-subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checks))
	for _, c := range checks {
		st := Status{Name: c.name, Healthy: true}
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := c.fn(probeCtx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			healthy = false
		}
		cancel()
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
