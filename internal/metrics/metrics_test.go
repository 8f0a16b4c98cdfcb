package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	BuildInfo.Reset()

	Init("sim")

	assert.Equal(t, float64(1), testutil.ToFloat64(BuildInfo.WithLabelValues(Version, "sim")))
}

func TestRecordPost(t *testing.T) {
	WorkRequestsPosted.Reset()
	before := testutil.ToFloat64(BytesSent)

	RecordPost("rdma_write", false, 4096)
	RecordPost("rdma_write", true, 1024)
	RecordPost("rdma_read", true, 512)
	RecordPost(OpWriteImm, true, 22)

	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues("rdma_write", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues("rdma_write", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues("rdma_read", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues(OpWriteImm, "true")))
	assert.Equal(t, float64(5142), testutil.ToFloat64(BytesSent)-before)
}

func TestRecordCompletion(t *testing.T) {
	CompletionsTotal.Reset()

	RecordCompletion("success")
	RecordCompletion("success")
	RecordCompletion("remote access error")

	assert.Equal(t, float64(2), testutil.ToFloat64(CompletionsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(CompletionsTotal.WithLabelValues("remote access error")))
}

func TestSetInflight(t *testing.T) {
	SetInflight(17)
	assert.Equal(t, float64(17), testutil.ToFloat64(InflightOperations))

	SetInflight(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(InflightOperations))
}

func TestRecordHandshake(t *testing.T) {
	HandshakeErrors.Reset()
	HandshakeDuration.Reset()

	RecordHandshake("initiator", 5*time.Millisecond, nil)
	RecordHandshake("acceptor", 0, errors.New("unexpected event"))

	assert.Equal(t, 1, testutil.CollectAndCount(HandshakeDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakeErrors.WithLabelValues("acceptor")))
	assert.Equal(t, float64(0), testutil.ToFloat64(HandshakeErrors.WithLabelValues("initiator")))
}

func TestRecordTransfer(t *testing.T) {
	RecordTransfer(1<<30, 2*time.Second)
	assert.Equal(t, float64(1<<29), testutil.ToFloat64(Throughput))

	// Zero duration leaves the gauge untouched.
	RecordTransfer(0, 0)
	assert.Equal(t, float64(1<<29), testutil.ToFloat64(Throughput))
}

func TestRecordSample(t *testing.T) {
	before := testutil.ToFloat64(StallsTotal)

	RecordSample(500*time.Millisecond, false)
	assert.Equal(t, 0.5, testutil.ToFloat64(CompletionGap))

	RecordSample(3*time.Second, true)
	assert.Equal(t, float64(3), testutil.ToFloat64(CompletionGap))
	assert.Equal(t, float64(1), testutil.ToFloat64(StallsTotal)-before)
}

func TestRecordSession(t *testing.T) {
	SessionsTotal.Reset()

	RecordSession("initiator", nil)
	RecordSession("initiator", errors.New("boom"))
	RecordSession("acceptor", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(SessionsTotal.WithLabelValues("initiator", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SessionsTotal.WithLabelValues("initiator", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SessionsTotal.WithLabelValues("acceptor", "success")))
}

func TestAddRegisteredBytes(t *testing.T) {
	before := testutil.ToFloat64(RegisteredBytes)

	AddRegisteredBytes(4096)
	assert.Equal(t, float64(4096), testutil.ToFloat64(RegisteredBytes)-before)

	AddRegisteredBytes(-4096)
	assert.Equal(t, before, testutil.ToFloat64(RegisteredBytes))
}

func TestRecordVerbsOp(t *testing.T) {
	VerbsOperations.Reset()
	before := testutil.ToFloat64(VerbsErrors)

	RecordVerbsOp("reg_mr", 1)
	RecordVerbsOp("completion", 16)
	RecordVerbsOp("completion", 4)
	RecordVerbsError()

	assert.Equal(t, float64(1), testutil.ToFloat64(VerbsOperations.WithLabelValues("reg_mr")))
	assert.Equal(t, float64(20), testutil.ToFloat64(VerbsOperations.WithLabelValues("completion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(VerbsErrors)-before)
}

func TestRecordMRCacheLookup(t *testing.T) {
	MRCacheLookups.Reset()
	before := testutil.ToFloat64(MRCacheRegistrations)

	RecordMRCacheLookup(false)
	RecordMRCacheLookup(true)
	RecordMRCacheLookup(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(MRCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MRCacheLookups.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MRCacheRegistrations)-before)
}
