package resilience

import "sync"

// CircuitRegistry owns one CircuitBreaker per named endpoint. Lookups of an
// existing name take only a read lock; a circuit is created lazily from a shared
// template config the first time its name is referenced.
type CircuitRegistry struct {
	mu       sync.RWMutex
	template CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitRegistry creates a registry that lazily builds breakers from
// template, one per distinct name passed to Get.
func NewCircuitRegistry(template CircuitBreakerConfig) *CircuitRegistry {
	return &CircuitRegistry{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the named circuit breaker, creating it on first use.
func (r *CircuitRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.template)
	r.breakers[name] = cb
	return cb
}

// Snapshot returns a point-in-time copy of every named circuit's metrics,
// for the Health & Metrics Hub and for dashboards. The read lock is held
// only while copying the breaker list, not while reading each breaker's
// metrics.
func (r *CircuitRegistry) Snapshot() map[string]CircuitBreakerMetrics {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for name, cb := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make(map[string]CircuitBreakerMetrics, len(names))
	for i, name := range names {
		out[name] = breakers[i].Metrics()
	}
	return out
}

// Names returns the currently registered circuit names.
func (r *CircuitRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
