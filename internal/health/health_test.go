package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

type fixedState struct{ s atomic.Int32 }

func newState(s rdma.State) *fixedState {
	f := &fixedState{}
	f.set(s)

	return f
}

func (f *fixedState) State() rdma.State { return rdma.State(f.s.Load()) }
func (f *fixedState) set(s rdma.State)  { f.s.Store(int32(s)) }

func static(status Status) Component {
	return ComponentFunc(func(context.Context) Check { return Check{Status: status} })
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker()

	require.NotNil(t, checker)
	assert.Equal(t, DefaultCacheTTL, checker.cacheTTL)
	assert.Empty(t, checker.Names())
}

func TestCheckOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		components   map[string]Status
		expected Status
	}{
		{name: "no components", components: nil, expected: StatusHealthy},
		{name: "all healthy", components: map[string]Status{"a": StatusHealthy, "b": StatusHealthy}, expected: StatusHealthy},
		{name: "one degraded", components: map[string]Status{"a": StatusHealthy, "b": StatusDegraded}, expected: StatusDegraded},
		{name: "unhealthy wins", components: map[string]Status{"a": StatusDegraded, "b": StatusUnhealthy}, expected: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker()
			for name, st := range tt.components {
				checker.Register(name, static(st))
			}

			status := checker.Check(context.Background())
			assert.Equal(t, tt.expected, status.Status)
			assert.Len(t, status.Checks, len(tt.components))
		})
	}
}

func TestCheckCaching(t *testing.T) {
	var calls atomic.Int32

	checker := NewChecker()
	checker.cacheTTL = time.Hour
	checker.Register("counter", ComponentFunc(func(context.Context) Check {
		calls.Add(1)
		return Check{Status: StatusHealthy}
	}))

	first := checker.Check(context.Background())
	second := checker.Check(context.Background())
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// Registering invalidates the cache.
	checker.Register("other", static(StatusHealthy))
	checker.Check(context.Background())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"counter", "other"}, checker.Names())
}

func TestConnectionComponent(t *testing.T) {
	tests := []struct {
		state    rdma.State
		expected Status
		ready    bool
	}{
		{state: rdma.StateIdle, expected: StatusDegraded},
		{state: rdma.StateConnecting, expected: StatusHealthy},
		{state: rdma.StateListening, expected: StatusHealthy, ready: true},
		{state: rdma.StateAwaitingPeerRequest, expected: StatusHealthy, ready: true},
		{state: rdma.StateEstablished, expected: StatusHealthy, ready: true},
		{state: rdma.StateDisconnected, expected: StatusHealthy},
		{state: rdma.StateFailed, expected: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			src := newState(tt.state)

			check := ConnectionComponent(src).Health(context.Background())
			assert.Equal(t, tt.expected, check.Status)
			assert.Equal(t, tt.state.String(), check.Message)
			assert.Equal(t, tt.ready, ConnectionReady(src)())
		})
	}
}

func TestIsLive(t *testing.T) {
	assert.True(t, NewChecker().IsLive(context.Background()))
}

func TestIsReady(t *testing.T) {
	checker := NewChecker()
	assert.False(t, checker.IsReady(context.Background()))

	src := newState(rdma.StateIdle)
	checker.SetReady(ConnectionReady(src))
	assert.False(t, checker.IsReady(context.Background()))

	src.set(rdma.StateEstablished)
	assert.True(t, checker.IsReady(context.Background()))
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name         string
		status       Status
		expectedCode int
	}{
		{name: "healthy", status: StatusHealthy, expectedCode: http.StatusOK},
		{name: "degraded", status: StatusDegraded, expectedCode: http.StatusOK},
		{name: "unhealthy", status: StatusUnhealthy, expectedCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker()
			checker.Register("connection", static(tt.status))
			handler := NewHandler(checker)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			handler.HealthHandler(rec, req)

			assert.Equal(t, tt.expectedCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.status, body.Checks["connection"].Status)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	handler := NewHandler(NewChecker())

	rec := httptest.NewRecorder()
	handler.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	src := newState(rdma.StateIdle)
	checker := NewChecker()
	checker.SetReady(ConnectionReady(src))
	handler := NewHandler(checker)

	rec := httptest.NewRecorder()
	handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, rec.Body.String())

	src.set(rdma.StateListening)

	rec = httptest.NewRecorder()
	handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}
