package resilience

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var breakerStateDesc = prometheus.NewDesc(
	"engage_circuit_breaker_state",
	"Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
	[]string{"name"}, nil,
)

// CircuitBreakerRegistry manages one circuit breaker per outbound provider
type CircuitBreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	configs  map[string]*CircuitBreakerConfig
	logger   *zap.Logger
	mutex    sync.RWMutex
}

// NewCircuitBreakerRegistry creates a new registry
func NewCircuitBreakerRegistry(logger *zap.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]*CircuitBreakerConfig),
		logger:   logger,
	}
}

// RegisterConfig registers a circuit breaker configuration
func (r *CircuitBreakerRegistry) RegisterConfig(config *CircuitBreakerConfig) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.configs[config.Name] = config
}

// Get returns a circuit breaker by name, creating one if it doesn't exist
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mutex.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mutex.RUnlock()
		return cb
	}
	r.mutex.RUnlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config, ok := r.configs[name]
	if !ok {
		config = DefaultCircuitBreakerConfig(name)
	}

	cb := NewCircuitBreaker(config, r.logger)
	r.breakers[name] = cb

	r.logger.Debug("Created circuit breaker", zap.String("name", name))
	return cb
}

// Execute runs fn behind the named breaker
func (r *CircuitBreakerRegistry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Names returns the names of the created breakers in order
func (r *CircuitBreakerRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetMetrics returns metrics for all circuit breakers
func (r *CircuitBreakerRegistry) GetMetrics() map[string]CircuitBreakerMetrics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make(map[string]CircuitBreakerMetrics, len(r.breakers))
	for name, cb := range r.breakers {
		result[name] = cb.Metrics()
	}
	return result
}

// Reset resets all circuit breakers
func (r *CircuitBreakerRegistry) Reset() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Describe implements prometheus.Collector
func (r *CircuitBreakerRegistry) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
}

// Collect implements prometheus.Collector
func (r *CircuitBreakerRegistry) Collect(ch chan<- prometheus.Metric) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for name, cb := range r.breakers {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(cb.State()), name)
	}
}

var _ prometheus.Collector = (*CircuitBreakerRegistry)(nil)
