// Package metrics provides Prometheus metrics collection for rdmaxfer.
//
// The package exposes metrics at /metrics when a metrics listen address is
// configured:
//
// Handshake Metrics:
//   - rdmaxfer_handshake_duration_seconds: Time from first CM call to ESTABLISHED
//   - rdmaxfer_handshake_errors_total: Failed handshakes by role
//
// Data Path Metrics:
//   - rdmaxfer_bytes_sent_total: Bytes posted as one-sided writes
//   - rdmaxfer_work_requests_posted_total: Posted work requests by opcode and signaling
//   - rdmaxfer_completions_total: Polled completions by status
//   - rdmaxfer_inflight_operations: Operations posted but not yet acknowledged
//   - rdmaxfer_completion_gap_seconds: Time since the last polled completion
//   - rdmaxfer_stalls_total: Samples flagged as stalled
//
// Session Metrics:
//   - rdmaxfer_sessions_total: Finished sessions by role and result
//   - rdmaxfer_transfer_duration_seconds: Bulk transfer duration histogram
//   - rdmaxfer_throughput_bytes_per_second: Throughput of the last transfer
//   - rdmaxfer_registered_bytes: Currently registered memory
//
// Verbs Metrics:
//   - rdmaxfer_verbs_operations_total: Software verbs operations by kind
//   - rdmaxfer_verbs_errors_total: Operations that failed validation or completed in error
//   - rdmaxfer_mr_cache_lookups_total: Registration cache lookups by result
//   - rdmaxfer_mr_cache_registrations_total: Registrations made on a cache miss
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesSent counts bytes posted as one-sided writes
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_bytes_sent_total",
			Help: "Total bytes posted as one-sided writes",
		},
	)

	// WorkRequestsPosted counts posted work requests
	WorkRequestsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_work_requests_posted_total",
			Help: "Total number of posted work requests",
		},
		[]string{"opcode", "signaled"},
	)

	// CompletionsTotal counts polled work completions
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_completions_total",
			Help: "Total number of polled work completions",
		},
		[]string{"status"},
	)

	// InflightOperations tracks operations not yet acknowledged
	InflightOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_inflight_operations",
			Help: "Number of posted operations not yet acknowledged",
		},
	)

	// HandshakeDuration tracks connection establishment time
	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmaxfer_handshake_duration_seconds",
			Help:    "Connection establishment duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"role"},
	)

	// HandshakeErrors counts failed handshakes
	HandshakeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_handshake_errors_total",
			Help: "Total number of failed connection handshakes",
		},
		[]string{"role"},
	)

	// TransferDuration tracks bulk transfer duration
	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmaxfer_transfer_duration_seconds",
			Help:    "Bulk transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// Throughput is the effective throughput of the last transfer
	Throughput = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_throughput_bytes_per_second",
			Help: "Effective throughput of the last bulk transfer",
		},
	)

	// CompletionGap tracks time since the last polled completion
	CompletionGap = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_completion_gap_seconds",
			Help: "Seconds since the last polled completion",
		},
	)

	// StallsTotal counts telemetry samples flagged as stalled
	StallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_stalls_total",
			Help: "Total number of samples with a completion gap above the stall threshold",
		},
	)

	// SessionsTotal counts finished sessions
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_sessions_total",
			Help: "Total number of finished sessions",
		},
		[]string{"role", "result"},
	)

	// BuildInfo exposes the version and fabric of the running process
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_build_info",
			Help: "Build and runtime information",
		},
		[]string{"version", "fabric"},
	)

	// RegisteredBytes tracks currently registered memory
	RegisteredBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_registered_bytes",
			Help: "Bytes of memory currently registered with the fabric",
		},
	)
)

// Verbs metrics
var (
	// VerbsOperations counts software verbs operations
	VerbsOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_verbs_operations_total",
			Help: "Total number of software verbs operations",
		},
		[]string{"operation"},
	)

	// VerbsErrors counts failed verbs operations
	VerbsErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_verbs_errors_total",
			Help: "Total number of verbs operations that failed validation or completed in error",
		},
	)

	// MRCacheLookups counts registration cache lookups
	MRCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_mr_cache_lookups_total",
			Help: "Total number of registration cache lookups",
		},
		[]string{"result"},
	)

	// MRCacheRegistrations counts registrations made on a cache miss
	MRCacheRegistrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_mr_cache_registrations_total",
			Help: "Total number of memory registrations made by the registration cache",
		},
	)
)

// Version is set at build time
var Version = "dev"

// Init publishes build information for the selected fabric.
func Init(fabric string) {
	BuildInfo.WithLabelValues(Version, fabric).Set(1)
}

// Opcode labels of posted work requests.
const (
	OpWrite    = "rdma_write"
	OpWriteImm = "rdma_write_imm"
	OpRead     = "rdma_read"
)

// RecordPost records one posted work request. Bytes count toward
// BytesSent for writes with or without immediate data.
func RecordPost(opcode string, signaled bool, bytes int) {
	sig := "false"
	if signaled {
		sig = "true"
	}

	WorkRequestsPosted.WithLabelValues(opcode, sig).Inc()

	if opcode == OpWrite || opcode == OpWriteImm {
		BytesSent.Add(float64(bytes))
	}
}

// RecordCompletion records one polled completion.
func RecordCompletion(status string) {
	CompletionsTotal.WithLabelValues(status).Inc()
}

// SetInflight sets the in-flight operation gauge.
func SetInflight(n int) {
	InflightOperations.Set(float64(n))
}

// RecordHandshake records a handshake outcome for role.
func RecordHandshake(role string, duration time.Duration, err error) {
	if err != nil {
		HandshakeErrors.WithLabelValues(role).Inc()
		return
	}

	HandshakeDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordTransfer records a finished bulk transfer.
func RecordTransfer(bytes int64, duration time.Duration) {
	TransferDuration.Observe(duration.Seconds())

	if duration > 0 {
		Throughput.Set(float64(bytes) / duration.Seconds())
	}
}

// RecordSample records a telemetry sample's gap and stall flag.
func RecordSample(gap time.Duration, stalled bool) {
	CompletionGap.Set(gap.Seconds())

	if stalled {
		StallsTotal.Inc()
	}
}

// RecordSession records a finished session.
func RecordSession(role string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}

	SessionsTotal.WithLabelValues(role, result).Inc()
}

// AddRegisteredBytes adjusts the registered memory gauge by delta.
func AddRegisteredBytes(delta int) {
	RegisteredBytes.Add(float64(delta))
}

// RecordVerbsOp adds n to the counter of verbs operation op.
func RecordVerbsOp(op string, n int) {
	VerbsOperations.WithLabelValues(op).Add(float64(n))
}

// RecordVerbsError records one failed verbs operation.
func RecordVerbsError() {
	VerbsErrors.Inc()
}

// RecordMRCacheLookup records a registration cache lookup. A miss is
// followed by a registration.
func RecordMRCacheLookup(hit bool) {
	if hit {
		MRCacheLookups.WithLabelValues("hit").Inc()
		return
	}

	MRCacheLookups.WithLabelValues("miss").Inc()
	MRCacheRegistrations.Inc()
}
