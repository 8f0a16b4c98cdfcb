// Package telemetry turns transfer progress into periodic samples and
// hands them to sinks: log lines, a CSV stream and Prometheus gauges.
package telemetry

import (
	"errors"
	"time"
)

// Default sampling parameters.
const (
	DefaultInterval       = time.Second
	DefaultStallThreshold = 2 * time.Second
)

// Sample is one progress observation of a running transfer.
type Sample struct {
	Elapsed   time.Duration
	BytesSent uint64
	InFlight  int
	Completed uint64
	// Gap is the time since the last polled completion.
	Gap     time.Duration
	Stalled bool
}

// Sink consumes samples.
type Sink interface {
	Record(s Sample)
	Close() error
}

// Multi fans a sample out to several sinks.
type Multi []Sink

// Record forwards s to every sink.
func (m Multi) Record(s Sample) {
	for _, sink := range m {
		sink.Record(s)
	}
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Discard drops every sample.
type Discard struct{}

func (Discard) Record(Sample) {}
func (Discard) Close() error  { return nil }

// Sampler gates samples to a fixed wall-clock cadence and flags stalls.
// It is not safe for concurrent use.
type Sampler struct {
	sink      Sink
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	start          time.Time
	lastEmit       time.Time
	lastCompletion time.Time
	emitted        int
	stalls         int
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SamplerOption {
	return func(s *Sampler) {
		s.now = now
	}
}

// NewSampler creates a sampler writing to sink. Non-positive durations
// fall back to the defaults.
func NewSampler(sink Sink, interval, stallThreshold time.Duration, opts ...SamplerOption) *Sampler {
	if sink == nil {
		sink = Discard{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}

	s := &Sampler{
		sink:      sink,
		interval:  interval,
		threshold: stallThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Now returns the sampler's clock reading.
func (s *Sampler) Now() time.Time {
	return s.now()
}

// Start marks the beginning of the transfer.
func (s *Sampler) Start() {
	now := s.now()
	s.start = now
	s.lastEmit = now
	s.lastCompletion = now
}

// Completion notes that a completion was polled.
func (s *Sampler) Completion() {
	s.lastCompletion = s.now()
}

// Observe emits a sample when at least one interval has passed since the
// previous one. It reports whether a sample was emitted.
func (s *Sampler) Observe(bytesSent uint64, inFlight int, completed uint64) bool {
	now := s.now()
	if now.Sub(s.lastEmit) < s.interval {
		return false
	}
	s.lastEmit = now

	gap := now.Sub(s.lastCompletion)
	sample := Sample{
		Elapsed:   now.Sub(s.start),
		BytesSent: bytesSent,
		InFlight:  inFlight,
		Completed: completed,
		Gap:       gap,
		Stalled:   gap > s.threshold,
	}
	if sample.Stalled {
		s.stalls++
	}
	s.emitted++

	s.sink.Record(sample)

	return true
}

// Emitted returns the number of samples emitted so far.
func (s *Sampler) Emitted() int {
	return s.emitted
}

// Stalls returns the number of emitted samples flagged as stalled.
func (s *Sampler) Stalls() int {
	return s.stalls
}
