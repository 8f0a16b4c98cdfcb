package telemetry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type captureSink struct {
	samples []Sample
	closed  bool
	err     error
}

func (c *captureSink) Record(s Sample) { c.samples = append(c.samples, s) }
func (c *captureSink) Close() error {
	c.closed = true
	return c.err
}

func TestSamplerCadence(t *testing.T) {
	clock := &manualClock{t: time.Unix(100, 0)}
	sink := &captureSink{}
	s := NewSampler(sink, time.Second, 2*time.Second, WithClock(clock.now))
	s.Start()

	assert.False(t, s.Observe(10, 1, 0))

	clock.advance(999 * time.Millisecond)
	assert.False(t, s.Observe(20, 1, 0))

	clock.advance(time.Millisecond)
	assert.True(t, s.Observe(30, 2, 0))

	clock.advance(500 * time.Millisecond)
	assert.False(t, s.Observe(40, 2, 0))

	require.Len(t, sink.samples, 1)
	got := sink.samples[0]
	assert.Equal(t, time.Second, got.Elapsed)
	assert.Equal(t, uint64(30), got.BytesSent)
	assert.Equal(t, 2, got.InFlight)
	assert.Equal(t, time.Second, got.Gap)
	assert.False(t, got.Stalled)
	assert.Equal(t, 1, s.Emitted())
}

func TestSamplerStall(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	sink := &captureSink{}
	s := NewSampler(sink, time.Second, 2*time.Second, WithClock(clock.now))
	s.Start()

	clock.advance(time.Second)
	s.Observe(1, 1, 0)
	clock.advance(time.Second)
	s.Observe(1, 1, 0) // gap exactly at threshold
	clock.advance(time.Second)
	s.Observe(1, 1, 0)

	s.Completion()
	clock.advance(time.Second)
	s.Observe(2, 0, 1)

	require.Len(t, sink.samples, 4)
	assert.False(t, sink.samples[0].Stalled)
	assert.False(t, sink.samples[1].Stalled)
	assert.True(t, sink.samples[2].Stalled)
	assert.Equal(t, 3*time.Second, sink.samples[2].Gap)
	assert.False(t, sink.samples[3].Stalled)
	assert.Equal(t, time.Second, sink.samples[3].Gap)
	assert.Equal(t, 1, s.Stalls())
}

func TestSamplerDefaults(t *testing.T) {
	s := NewSampler(nil, 0, -1)

	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultStallThreshold, s.threshold)
	assert.IsType(t, Discard{}, s.sink)
}

func TestMulti(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{err: errors.New("flush failed")}
	m := Multi{a, b}

	m.Record(Sample{BytesSent: 5})
	assert.Len(t, a.samples, 1)
	assert.Len(t, b.samples, 1)

	err := m.Close()
	require.Error(t, err)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(zerolog.New(&buf))

	sink.Record(Sample{Elapsed: 2 * time.Second, BytesSent: 3 * mib, InFlight: 4, Completed: 5, Gap: time.Second})
	sink.Record(Sample{Stalled: true, Gap: 3 * time.Second})
	require.NoError(t, sink.Close())

	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"sent_mib":3`)
	assert.Contains(t, out, `"inflight":4`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"stalled":true`)
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.csv")

	sink, err := NewCSVSink(path)
	require.NoError(t, err)

	sink.Record(Sample{Elapsed: 1500 * time.Millisecond, BytesSent: 64 * mib, InFlight: 12, Completed: 3, Gap: 250 * time.Millisecond})
	sink.Record(Sample{Elapsed: 3 * time.Second, BytesSent: 64 * mib, InFlight: 12, Completed: 3, Gap: 2500 * time.Millisecond, Stalled: true})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"1.500", "64.000", "12", "3", "0.250", "0"}, rows[1])
	assert.Equal(t, []string{"3.000", "64.000", "12", "3", "2.500", "1"}, rows[2])
}

func TestCSVSinkCreateFailure(t *testing.T) {
	_, err := NewCSVSink(filepath.Join(t.TempDir(), "missing", "bulk.csv"))
	require.Error(t, err)
}

func TestPrometheusSink(t *testing.T) {
	before := testutil.ToFloat64(metrics.StallsTotal)

	var sink PrometheusSink
	sink.Record(Sample{InFlight: 7, Gap: 3 * time.Second, Stalled: true})
	require.NoError(t, sink.Close())

	assert.InDelta(t, 7, testutil.ToFloat64(metrics.InflightOperations), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.CompletionGap), 0)
	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.StallsTotal), 0)
}

func TestLatencyDigest(t *testing.T) {
	d, err := NewLatencyDigest()
	require.NoError(t, err)

	assert.Equal(t, Quantiles{}, d.Summary())

	for i := 1; i <= 1000; i++ {
		require.NoError(t, d.Add(time.Duration(i)*time.Microsecond))
	}

	q := d.Summary()
	assert.Equal(t, uint64(1000), q.Count)
	assert.Equal(t, time.Millisecond, q.Max)
	assert.InDelta(t, float64(500*time.Microsecond), float64(q.P50), float64(20*time.Microsecond))
	assert.InDelta(t, float64(990*time.Microsecond), float64(q.P99), float64(15*time.Microsecond))
	assert.LessOrEqual(t, q.P99, q.P999)
}
