// Package health provides a registry of named subsystem health checkers.
//
// The server registers one checker per dependency (database, settlement
// RPC, custody reconciliation) and the readiness endpoint runs them all.
// Checkers run concurrently and are cut off after a per-check timeout so
// a stuck RPC node cannot wedge the readiness probe.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds how long a single checker may run.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides the per-check timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates a new health check registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual subsystem results, in registration
// order. A checker that does not return within the per-check timeout is
// reported unhealthy with a "timeout" detail.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = r.runOne(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) runOne(ctx context.Context, nc namedChecker) Status {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		done <- nc.check(cctx)
	}()

	select {
	case s := <-done:
		return s
	case <-cctx.Done():
		return Status{Name: nc.name, Healthy: false, Detail: "timeout"}
	}
}
