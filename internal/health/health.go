// Package health runs the dependency checks behind GET /health.
//
// A check is required unless registered with RegisterOptional: any failing
// required check makes the service unhealthy, while optional ones (a cache,
// say) are reported but never change the verdict.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check when Registry.Timeout is zero.
const DefaultCheckTimeout = 2 * time.Second

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes one dependency. Name and LatencyMS are filled in by the
// Registry when left zero.
type Checker func(ctx context.Context) Status

// Ping turns an error-returning probe such as Store.Ping into a Checker.
func Ping(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		st := Status{Name: name, Healthy: true}
		if err := probe(ctx); err != nil {
			st.Healthy, st.Detail = false, err.Error()
		}
		return st
	}
}

type check struct {
	name     string
	optional bool
	fn       Checker
}

// Registry is safe for concurrent Register and Run calls.
type Registry struct {
	// Timeout bounds each check; zero means DefaultCheckTimeout.
	Timeout time.Duration

	mu     sync.RWMutex
	checks []check
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a required check.
func (r *Registry) Register(name string, fn Checker) {
	r.add(check{name: name, fn: fn})
}

// RegisterOptional adds a check whose failure is reported but tolerated.
func (r *Registry) RegisterOptional(name string, fn Checker) {
	r.add(check{name: name, optional: true, fn: fn})
}

func (r *Registry) add(c check) {
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// CheckAll runs every check in parallel, each under its own timeout, and
// returns the verdict with per-check results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			statuses[i] = run(ctx, c, timeout)
		})
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}
	return healthy, statuses
}

func run(ctx context.Context, c check, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st := c.fn(ctx)
	if st.LatencyMS == 0 {
		st.LatencyMS = time.Since(start).Milliseconds()
	}
	if st.Name == "" {
		st.Name = c.name
	}
	st.Optional = c.optional
	return st
}
