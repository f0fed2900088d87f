package resilience

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerRegistry_Get(t *testing.T) {
	r := NewCircuitBreakerRegistry(zaptest.NewLogger(t))

	mail := r.Get("mail")
	assert.Same(t, mail, r.Get("mail"))
	assert.NotSame(t, mail, r.Get("notify"))
	assert.Equal(t, []string{"mail", "notify"}, r.Names())
}

func TestCircuitBreakerRegistry_RegisterConfig(t *testing.T) {
	r := NewCircuitBreakerRegistry(zaptest.NewLogger(t))
	r.RegisterConfig(&CircuitBreakerConfig{Name: "directory", FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxHalfOpenRequests: 1})

	_ = r.Execute(context.Background(), "directory", fail)
	assert.Equal(t, StateOpen, r.Get("directory").State())

	assert.Equal(t, int64(1), r.GetMetrics()["directory"].FailedCalls)

	r.Reset()
	assert.Equal(t, StateClosed, r.Get("directory").State())
}

func TestCircuitBreakerRegistry_Collect(t *testing.T) {
	r := NewCircuitBreakerRegistry(zaptest.NewLogger(t))
	r.RegisterConfig(&CircuitBreakerConfig{Name: "mail", FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxHalfOpenRequests: 1})
	_ = r.Execute(context.Background(), "mail", fail)
	r.Get("notify")

	expected := `
# HELP engage_circuit_breaker_state Circuit breaker state per provider (0 closed, 1 open, 2 half-open)
# TYPE engage_circuit_breaker_state gauge
engage_circuit_breaker_state{name="mail"} 1
engage_circuit_breaker_state{name="notify"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(r, strings.NewReader(expected)))
}

func TestCircuitBreakerRegistry_ConcurrentAccess(t *testing.T) {
	r := NewCircuitBreakerRegistry(zaptest.NewLogger(t))

	var wg sync.WaitGroup
	seen := make([]*CircuitBreaker, 20)
	for i := range seen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range seen {
		assert.Same(t, seen[0], cb)
	}
}
