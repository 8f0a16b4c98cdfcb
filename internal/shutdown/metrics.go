package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for teardown monitoring.
var (
	teardownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmaxfer_teardown_duration_seconds",
		Help: "Duration of the last connection teardown in seconds",
	})

	teardownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmaxfer_teardown_phase",
		Help: "Current teardown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	teardownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmaxfer_teardown_errors_total",
		Help: "Total number of errors during connection teardown",
	})
)

var allPhases = append([]Phase{PhaseNone}, append(Order, PhaseComplete)...)

// SetTeardownDuration sets the teardown duration metric.
func SetTeardownDuration(d time.Duration) {
	teardownDuration.Set(d.Seconds())
}

// SetTeardownPhase marks phase as the active phase.
func SetTeardownPhase(phase Phase) {
	for _, p := range allPhases {
		teardownPhase.WithLabelValues(string(p)).Set(0)
	}
	teardownPhase.WithLabelValues(string(phase)).Set(1)
}

// IncrementTeardownErrors increments the teardown error counter.
func IncrementTeardownErrors() {
	teardownErrors.Inc()
}
