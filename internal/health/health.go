// Package health aggregates readiness checks for the server's dependencies.
// The server registers one checker per dependency (database, stripe) and the
// readiness endpoint reports the aggregate.
package health

import (
	"context"
	"sync"
)

// Status is one dependency's verdict. Detail carries the failure cause and
// stays empty on success.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs registered checkers on demand. Safe for concurrent use;
// checkers keep registration order so readiness output is stable.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every dependency. The aggregate is healthy only when every
// individual status is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(entries))
	for _, e := range entries {
		st := e.check(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
