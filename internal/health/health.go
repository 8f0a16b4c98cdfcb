// Package health provides health check endpoints for rdmaxfer.
//
// The observability server exposes:
//
//   - /health: overall status for load balancers and scripts
//   - /health/live: liveness (is the process running?)
//   - /health/ready: readiness (is a session listening or connected?)
//
// Each part of the process registers a Component; /health returns the aggregated result:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "connection": {"status": "healthy", "message": "established"},
//	    "history": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but the transfer can continue.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCacheTTL bounds how often components are checked.
const DefaultCacheTTL = time.Second

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Component checks one component.
type Component interface {
	Health(ctx context.Context) Check
}

// ComponentFunc adapts a function to Component.
type ComponentFunc func(ctx context.Context) Check

// Health calls f.
func (f ComponentFunc) Health(ctx context.Context) Check {
	return f(ctx)
}

// Checker aggregates registered components.
type Checker struct {
	cacheExpiry  time.Time
	components   map[string]Component
	ready        func() bool
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]Component),
		cacheTTL:   DefaultCacheTTL,
	}
}

// Register adds or replaces the component for name.
func (c *Checker) Register(name string, p Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = p
	c.cachedStatus = nil
}

// SetReady installs the readiness predicate. Without one the process is
// never ready.
func (c *Checker) SetReady(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = fn
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Check runs all component checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	components := make(map[string]Component, len(c.components))
	for name, p := range c.components {
		components[name] = p
	}

	c.mu.RUnlock()

	checks := make(map[string]Check, len(components))

	// Run checks in parallel
	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	for name, p := range components {
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := p.Health(ctx)

			checksMu.Lock()

			checks[name] = check

			checksMu.Unlock()
		}()
	}

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// IsReady reports whether the readiness predicate holds.
func (c *Checker) IsReady(_ context.Context) bool {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	return ready != nil && ready()
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// StateSource exposes a connection state.
type StateSource interface {
	State() rdma.State
}

// ConnectionComponent reports a failed connection as unhealthy and an idle one
// as degraded.
func ConnectionComponent(src StateSource) Component {
	return ComponentFunc(func(context.Context) Check {
		s := src.State()
		switch s {
		case rdma.StateFailed:
			return Check{Status: StatusUnhealthy, Message: s.String()}
		case rdma.StateIdle:
			return Check{Status: StatusDegraded, Message: s.String()}
		default:
			return Check{Status: StatusHealthy, Message: s.String()}
		}
	})
}

// ConnectionReady holds while the connection listens, waits for a peer or
// is established.
func ConnectionReady(src StateSource) func() bool {
	return func() bool {
		switch src.State() {
		case rdma.StateListening, rdma.StateAwaitingPeerRequest, rdma.StateHandshaking, rdma.StateEstablished:
			return true
		default:
			return false
		}
	}
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler returns the aggregated status with per-component detail.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}

// LivenessHandler handles liveness requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles readiness requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}
