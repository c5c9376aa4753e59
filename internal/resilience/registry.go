package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chainstream/internal/broker"
	apperrors "chainstream/internal/errors"
	"chainstream/internal/logging"
)

// CircuitBreakerRegistry hands out one circuit breaker per name.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	logger   zerolog.Logger
}

// NewCircuitBreakerRegistry creates a registry whose breakers share config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logging.WithComponent(logger, "resilience"),
	}
}

// Get returns or creates the circuit breaker for name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config, r.logger)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for every breaker, sorted by name.
func (r *CircuitBreakerRegistry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ResetAll closes every circuit.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// GuardedQuotes is a QuoteSource with one circuit per quote instrument, so a
// dead instrument stops costing an RPC on every poll.
type GuardedQuotes struct {
	source   broker.QuoteSource
	registry *CircuitBreakerRegistry
}

var _ broker.QuoteSource = (*GuardedQuotes)(nil)

// NewGuardedQuotes wraps source.
func NewGuardedQuotes(source broker.QuoteSource, registry *CircuitBreakerRegistry) *GuardedQuotes {
	return &GuardedQuotes{source: source, registry: registry}
}

// LTP looks up instrument through its circuit. An open circuit surfaces as
// a transient error so callers keep their last good value.
func (q *GuardedQuotes) LTP(ctx context.Context, instrument string) (float64, error) {
	cb := q.registry.Get("quote:" + instrument)
	v, err := ExecuteWithResult(ctx, cb, func(ctx context.Context) (float64, error) {
		return q.source.LTP(ctx, instrument)
	})
	if apperrors.Is(err, ErrCircuitOpen) {
		return 0, apperrors.NewTransientError("quotes", "ltp", fmt.Errorf("%s: %w", instrument, err))
	}
	return v, err
}

// Registry returns the breakers guarding the quotes.
func (q *GuardedQuotes) Registry() *CircuitBreakerRegistry {
	return q.registry
}
