package bulk

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// fakeEndpoint completes every signaled write, handing completions out
// only on every other poll so the busy loop is exercised.
type fakeEndpoint struct {
	posted   []rdma.VerbsSendWR
	queue    []rdma.VerbsWorkCompletion
	polls    int
	failPost int // 1-based index of the post that fails
	failWRID uint64
	status   rdma.WCStatus
	pollErr  error
}

func (f *fakeEndpoint) PostSend(wr *rdma.VerbsSendWR) error {
	if f.failPost > 0 && len(f.posted)+1 == f.failPost {
		return errors.New("send queue full")
	}

	f.posted = append(f.posted, *wr)

	status := rdma.WCSuccess
	if f.failWRID != 0 && wr.WRID == f.failWRID {
		status = f.status
	}
	if wr.Signaled() || status != rdma.WCSuccess {
		f.queue = append(f.queue, rdma.VerbsWorkCompletion{
			WRID:    wr.WRID,
			Status:  status,
			Opcode:  rdma.WCOpRDMAWrite,
			ByteLen: wr.SGList[0].Length,
		})
	}

	return nil
}

func (f *fakeEndpoint) PollCQ(n int) ([]rdma.VerbsWorkCompletion, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}

	f.polls++
	if f.polls%2 == 1 || len(f.queue) == 0 {
		return nil, nil
	}

	k := min(n, len(f.queue))
	out := append([]rdma.VerbsWorkCompletion(nil), f.queue[:k]...)
	f.queue = f.queue[k:]

	return out, nil
}

func (f *fakeEndpoint) signaled() int {
	n := 0
	for _, wr := range f.posted {
		if wr.Signaled() {
			n++
		}
	}

	return n
}

func localBuffer(size int) *rdma.Buffer {
	return &rdma.Buffer{Bytes: make([]byte, size), Addr: 0x10000, LKey: 0x11}
}

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newScheduler(t *testing.T, ep Endpoint, cfg Config) *Scheduler {
	t.Helper()

	cfg.Logger = quietLogger()
	s, err := New(ep, cfg)
	require.NoError(t, err)

	return s
}

func TestSchedulerInvariants(t *testing.T) {
	tests := []struct {
		name        string
		total       uint64
		chunk       uint64
		window      int
		signalEvery int
	}{
		{name: "defaults", total: 1000 * 4096, chunk: 4096},
		{name: "window equals batch", total: 200 * 1024, chunk: 1024, window: 8, signalEvery: 8},
		{name: "batch larger than window", total: 100 * 512, chunk: 512, window: 4, signalEvery: 16},
		{name: "uneven tail", total: 12345, chunk: 1000, window: 3, signalEvery: 2},
		{name: "window of one", total: 10 * 64, chunk: 64, window: 1, signalEvery: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{}

			var checks int
			var window int
			s := newScheduler(t, ep, Config{
				TotalBytes:  tt.total,
				ChunkBytes:  tt.chunk,
				MaxInFlight: tt.window,
				SignalEvery: tt.signalEvery,
				Observe: func(st State) {
					checks++
					assert.LessOrEqual(t, st.InFlight, window)
					assert.Equal(t, st.BytesSent-st.BytesAcked, st.Pending)
					assert.LessOrEqual(t, st.BytesSent, st.TotalBytes)
					assert.LessOrEqual(t, st.Batches, window)
				},
			})
			window = s.Config().MaxInFlight
			assert.LessOrEqual(t, s.Config().SignalEvery, window)

			rep, err := s.Run(localBuffer(int(tt.chunk)), capability.Record{Addr: 1 << 32, RKey: 7, Capacity: tt.total})
			require.NoError(t, err)
			require.Positive(t, checks)

			wantOps := (tt.total + tt.chunk - 1) / tt.chunk
			assert.Equal(t, tt.total, rep.BytesSent)
			assert.Equal(t, wantOps, rep.Operations)
			assert.Equal(t, rep.Signaled, rep.Completions)
			assert.False(t, rep.Truncated)

			final := s.State()
			assert.Zero(t, final.InFlight)
			assert.Zero(t, final.Pending)
			assert.Equal(t, tt.total, final.BytesAcked)

			// Writes cover the remote range contiguously.
			next := uint64(1 << 32)
			for i, wr := range ep.posted {
				assert.Equal(t, uint64(i+1), wr.WRID)
				assert.Equal(t, next, wr.RemoteAddr)
				assert.Equal(t, uint32(7), wr.RKey)
				assert.Equal(t, rdma.WROpRDMAWrite, wr.Opcode)
				next += uint64(wr.SGList[0].Length)
			}
			assert.Equal(t, uint64(1<<32)+tt.total, next)
			assert.True(t, ep.posted[len(ep.posted)-1].Signaled(), "last operation must be signaled")
		})
	}
}

func TestSchedulerSignalCadence(t *testing.T) {
	tests := []struct {
		ops         int
		signalEvery int
		want        int
	}{
		{ops: 100, signalEvery: 16, want: 7},
		{ops: 64, signalEvery: 16, want: 4},
		{ops: 17, signalEvery: 16, want: 2},
		{ops: 33, signalEvery: 4, want: 9},
		{ops: 5, signalEvery: 1, want: 5},
	}

	for _, tt := range tests {
		ep := &fakeEndpoint{}
		s := newScheduler(t, ep, Config{
			TotalBytes:  uint64(tt.ops) * 128,
			ChunkBytes:  128,
			SignalEvery: tt.signalEvery,
		})

		rep, err := s.Run(localBuffer(128), capability.Record{Capacity: 1 << 40})
		require.NoError(t, err)

		assert.Equal(t, tt.want, ep.signaled(), "ops=%d signal_every=%d", tt.ops, tt.signalEvery)
		assert.Equal(t, uint64(tt.want), rep.Signaled)
		assert.Len(t, ep.posted, tt.ops)
	}
}

func TestSchedulerCapacityClamp(t *testing.T) {
	ep := &fakeEndpoint{}
	s := newScheduler(t, ep, Config{TotalBytes: 2_000_000, ChunkBytes: 262_144})

	rep, err := s.Run(localBuffer(262_144), capability.Record{Addr: 0x1000, RKey: 1, Capacity: 1_000_000})
	require.NoError(t, err)

	assert.True(t, rep.Truncated)
	assert.Equal(t, uint64(2_000_000), rep.Requested)
	assert.Equal(t, uint64(1_000_000), rep.TotalBytes)
	assert.Equal(t, uint64(1_000_000), rep.BytesSent)
	assert.Equal(t, uint64(4), rep.Operations)

	require.Len(t, ep.posted, 4)
	last := ep.posted[3]
	assert.Equal(t, uint32(1_000_000-3*262_144), last.SGList[0].Length)
	assert.True(t, last.Signaled())
	for _, wr := range ep.posted[:3] {
		assert.False(t, wr.Signaled())
	}
}

func TestSchedulerZeroLength(t *testing.T) {
	tests := []struct {
		name     string
		total    uint64
		capacity uint64
	}{
		{name: "zero requested", total: 0, capacity: 1 << 20},
		{name: "zero capacity", total: 1 << 20, capacity: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{}
			s := newScheduler(t, ep, Config{TotalBytes: tt.total, ChunkBytes: 4096})

			rep, err := s.Run(nil, capability.Record{Capacity: tt.capacity})
			require.NoError(t, err)

			assert.Empty(t, ep.posted)
			assert.Zero(t, ep.polls)
			assert.Zero(t, rep.BytesSent)
			assert.Zero(t, rep.Elapsed)
			assert.Zero(t, rep.Throughput)
		})
	}
}

func TestSchedulerChunkLargerThanTotal(t *testing.T) {
	ep := &fakeEndpoint{}
	s := newScheduler(t, ep, Config{TotalBytes: 1000, ChunkBytes: 1 << 20})

	// The local buffer only has to hold what is actually sent.
	rep, err := s.Run(localBuffer(1000), capability.Record{Capacity: 1 << 20})
	require.NoError(t, err)

	require.Len(t, ep.posted, 1)
	assert.True(t, ep.posted[0].Signaled())
	assert.Equal(t, uint32(1000), ep.posted[0].SGList[0].Length)
	assert.Equal(t, uint64(1000), rep.BytesSent)
}

func TestSchedulerFailures(t *testing.T) {
	t.Run("post failure", func(t *testing.T) {
		ep := &fakeEndpoint{failPost: 5}
		s := newScheduler(t, ep, Config{TotalBytes: 100 * 64, ChunkBytes: 64})

		rep, err := s.Run(localBuffer(64), capability.Record{Capacity: 1 << 20})
		require.ErrorIs(t, err, ErrPost)
		assert.Equal(t, uint64(4*64), rep.BytesSent)
		assert.Equal(t, uint64(4), rep.Operations)
	})

	t.Run("error completion", func(t *testing.T) {
		ep := &fakeEndpoint{failWRID: 3, status: rdma.WCRemoteAccessErr}
		s := newScheduler(t, ep, Config{TotalBytes: 100 * 64, ChunkBytes: 64, MaxInFlight: 4, SignalEvery: 4})

		_, err := s.Run(localBuffer(64), capability.Record{Capacity: 1 << 20})
		require.ErrorIs(t, err, ErrCompletion)

		var cerr *CompletionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, uint64(3), cerr.WRID)
		assert.Equal(t, rdma.WCRemoteAccessErr, cerr.Status)
		assert.Contains(t, err.Error(), "remote access error")
	})

	t.Run("poll failure", func(t *testing.T) {
		ep := &fakeEndpoint{pollErr: rdma.ErrCQOverrun}
		s := newScheduler(t, ep, Config{TotalBytes: 64, ChunkBytes: 64})

		_, err := s.Run(localBuffer(64), capability.Record{Capacity: 64})
		require.ErrorIs(t, err, ErrPoll)
		require.ErrorIs(t, err, rdma.ErrCQOverrun)
	})

	t.Run("short local buffer", func(t *testing.T) {
		s := newScheduler(t, &fakeEndpoint{}, Config{TotalBytes: 1 << 20, ChunkBytes: 4096})

		_, err := s.Run(localBuffer(100), capability.Record{Capacity: 1 << 20})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero chunk", cfg: Config{TotalBytes: 1}},
		{name: "oversized chunk", cfg: Config{ChunkBytes: rdma.MaxMessageSize + 1}},
		{name: "negative window", cfg: Config{ChunkBytes: 1, MaxInFlight: -1}},
		{name: "negative signal", cfg: Config{ChunkBytes: 1, SignalEvery: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&fakeEndpoint{}, tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	s, err := New(&fakeEndpoint{}, Config{ChunkBytes: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxInFlight, s.Config().MaxInFlight)
	assert.Equal(t, DefaultSignalEvery, s.Config().SignalEvery)
}

type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

type recordingSink struct {
	samples []telemetry.Sample
}

func (r *recordingSink) Record(s telemetry.Sample) { r.samples = append(r.samples, s) }
func (r *recordingSink) Close() error              { return nil }

func TestSchedulerTelemetry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: 100 * time.Millisecond}
	sink := &recordingSink{}
	sampler := telemetry.NewSampler(sink, time.Second, 2*time.Second, telemetry.WithClock(clock.now))
	digest, err := telemetry.NewLatencyDigest()
	require.NoError(t, err)

	ep := &fakeEndpoint{}
	s := newScheduler(t, ep, Config{
		TotalBytes:  256 * 1024,
		ChunkBytes:  1024,
		MaxInFlight: 16,
		SignalEvery: 8,
		Sampler:     sampler,
		Digest:      digest,
	})

	rep, err := s.Run(localBuffer(1024), capability.Record{Capacity: 1 << 30})
	require.NoError(t, err)

	require.NotEmpty(t, sink.samples)
	assert.Equal(t, len(sink.samples), rep.Samples)
	assert.Positive(t, rep.Elapsed)
	assert.Positive(t, rep.Throughput)
	assert.Equal(t, rep.Signaled, rep.Latency.Count)
	assert.Positive(t, rep.Latency.P50)

	for i := 1; i < len(sink.samples); i++ {
		assert.GreaterOrEqual(t, sink.samples[i].BytesSent, sink.samples[i-1].BytesSent)
		assert.GreaterOrEqual(t, sink.samples[i].Elapsed-sink.samples[i-1].Elapsed, time.Second)
	}
}
