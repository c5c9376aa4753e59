package resilience

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"chainstream/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Latency time.Duration          `json:"latency_ns"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck reports on one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregate of every registered check.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Goroutines int               `json:"goroutines"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitor runs registered checks on demand.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
	startTime  time.Time
	logger     zerolog.Logger
}

// NewHealthMonitor creates a monitor whose checks share timeout.
func NewHealthMonitor(timeout time.Duration, logger zerolog.Logger) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
		startTime:  time.Now(),
		logger:     logging.WithComponent(logger, "health"),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every check concurrently. The overall status is the worst
// component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			results <- m.run(ctx, n, c)
		}(name, check)
	}
	wg.Wait()
	close(results)

	report := SystemHealth{
		Status:     HealthStatusHealthy,
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		CheckedAt:  time.Now(),
	}
	for h := range results {
		if h.Status.rank() > report.Status.rank() {
			report.Status = h.Status
		}
		report.Components = append(report.Components, h)
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

func (m *HealthMonitor) run(ctx context.Context, name string, check HealthCheck) (health ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("check", name).Msg("Health check panicked")
			health = ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		health.Name = name
		if health.Latency == 0 {
			health.Latency = time.Since(start)
		}
	}()
	return check(ctx)
}

// HealthHTTPHandler serves the report; unhealthy answers 503.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// ReadinessHealthCheck is unhealthy until ready is closed.
func ReadinessHealthCheck(ready <-chan struct{}) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		select {
		case <-ready:
			return ComponentHealth{Status: HealthStatusHealthy, Message: "Chain published"}
		default:
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "Waiting for the first chain"}
		}
	}
}

// FeedHealthCheck reports on the market-data connection. A connected feed
// with no tick for longer than stale is degraded.
func FeedHealthCheck(isConnected func() bool, lastTick func() time.Time, stale time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		connected := isConnected()
		last := lastTick()
		health := ComponentHealth{
			Details: map[string]interface{}{
				"connected": connected,
				"last_tick": last,
			},
		}

		switch {
		case !connected:
			health.Status = HealthStatusUnhealthy
			health.Message = "Feed disconnected"
		case last.IsZero():
			health.Status = HealthStatusDegraded
			health.Message = "No ticks yet"
		case time.Since(last) > stale:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("No ticks for %v", time.Since(last).Round(time.Second))
		default:
			health.Status = HealthStatusHealthy
			health.Message = "Receiving ticks"
		}
		return health
	}
}

// DatabaseHealthCheck pings the store.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
		case health.Latency > 100*time.Millisecond:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
		default:
			health.Status = HealthStatusHealthy
		}
		return health
	}
}

// BreakerHealthCheck is degraded while any circuit in the registry is open.
func BreakerHealthCheck(registry *CircuitBreakerRegistry) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{Status: HealthStatusHealthy, Details: make(map[string]interface{})}
		var open []string
		for _, s := range registry.AllStats() {
			health.Details[s.Name] = s.State
			if s.State != CircuitClosed {
				open = append(open, s.Name)
			}
		}
		if len(open) > 0 {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("%d circuit(s) not closed: %v", len(open), open)
		}
		return health
	}
}
