package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/health"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func record(i int) Record {
	return Record{
		SessionID: fmt.Sprintf("session-%02d", i),
		Kind:      KindBulkSend,
		Role:      "initiator",
		Fabric:    "sim",
		StartedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		Elapsed:   time.Second,
		Bytes:     uint64(i) << 20,
	}
}

func TestPutAndList(t *testing.T) {
	s := openStore(t)

	// Insert out of order; listing is by start time.
	for _, i := range []int{3, 1, 5, 2, 4} {
		require.NoError(t, s.Put(record(i)))
	}

	got, err := s.List(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "session-05", got[0].SessionID)
	assert.Equal(t, "session-04", got[1].SessionID)
	assert.Equal(t, "session-03", got[2].SessionID)

	all, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRoundTripFields(t *testing.T) {
	s := openStore(t)

	verified := uint64(4096)
	in := record(1)
	in.Peer = "10.0.0.2:7471"
	in.Throughput = 3 * 1024 * 1024
	in.Truncated = true
	in.Verified = &verified
	in.Latency = telemetry.Quantiles{Count: 4, P50: time.Millisecond, Max: 2 * time.Millisecond}
	in.Error = "transport failure"

	require.NoError(t, s.Put(in))

	out, err := s.Get(in.SessionID)
	require.NoError(t, err)
	assert.True(t, in.StartedAt.Equal(out.StartedAt))
	out.StartedAt = in.StartedAt
	assert.Equal(t, in, out)
	assert.False(t, out.Succeeded())
	assert.InDelta(t, 3.0, out.MiBPerSecond(), 1e-9)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(record(1)))

	_, err := s.Get("session-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutValidation(t *testing.T) {
	s := openStore(t)

	require.Error(t, s.Put(Record{StartedAt: time.Now()}))
	require.Error(t, s.Put(Record{SessionID: "x"}))
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Put(record(i)))
	}

	removed, err := s.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	got, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "session-06", got[0].SessionID)
	assert.Equal(t, "session-05", got[1].SessionID)

	removed, err = s.Prune(2)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(record(7)))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.List(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "session-07", got[0].SessionID)
}

func TestComponent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := s.Component()
	assert.Equal(t, health.StatusHealthy, c.Health(context.Background()).Status)

	require.NoError(t, s.Close())
	assert.Equal(t, health.StatusDegraded, c.Health(context.Background()).Status)
}
