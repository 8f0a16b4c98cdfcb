// Package bulk drives a large one-sided write transfer over a connected
// queue pair with a bounded window of outstanding operations.
//
// Only every SignalEvery-th operation (and always the last one) requests a
// completion. Operations on one reliable queue pair complete in order, so a
// signaled completion acknowledges every unsignaled operation posted before
// it. Each signaled operation closes a batch; batches are drained oldest
// first whenever the window is full and once more at the end.
package bulk

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Scheduler defaults.
const (
	DefaultMaxInFlight = 64
	DefaultSignalEvery = 16
)

// Scheduler errors.
var (
	ErrInvalidConfig        = errors.New("invalid transfer configuration")
	ErrPost                 = errors.New("post work request")
	ErrPoll                 = errors.New("poll completion queue")
	ErrCompletion           = errors.New("work completion failed")
	ErrUnexpectedCompletion = errors.New("completion does not match oldest batch")
)

// CompletionError reports a completion with a non-success status.
type CompletionError struct {
	WRID   uint64
	Status rdma.WCStatus
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s: wr %d: %s", ErrCompletion, e.WRID, e.Status)
}

func (e *CompletionError) Is(target error) bool {
	return target == ErrCompletion
}

// Endpoint is the data path of a connected queue pair.
type Endpoint interface {
	PostSend(wr *rdma.VerbsSendWR) error
	PollCQ(n int) ([]rdma.VerbsWorkCompletion, error)
}

// Config describes one transfer.
type Config struct {
	TotalBytes  uint64
	ChunkBytes  uint64
	MaxInFlight int
	SignalEvery int

	// Sampler receives progress at its own cadence. Optional.
	Sampler *telemetry.Sampler
	// Digest records the latency of each signaled operation. Optional.
	Digest *telemetry.LatencyDigest
	// Observe is called with the transfer state after every post and
	// every drained batch. Optional.
	Observe func(State)

	Logger *zerolog.Logger
}

// State is a snapshot of the scheduler's accounting.
type State struct {
	TotalBytes  uint64
	BytesSent   uint64
	BytesAcked  uint64
	InFlight    int
	Pending     uint64 // bytes in batches not yet drained, including the open one
	Batches     int    // closed batches awaiting their completion
	Posted      uint64
	Signaled    uint64
	Completions uint64
}

// Report summarises a finished transfer.
type Report struct {
	Requested   uint64              `json:"requested"`
	TotalBytes  uint64              `json:"total_bytes"`
	Truncated   bool                `json:"truncated"`
	BytesSent   uint64              `json:"bytes_sent"`
	Operations  uint64              `json:"operations"`
	Signaled    uint64              `json:"signaled"`
	Completions uint64              `json:"completions"`
	Elapsed     time.Duration       `json:"elapsed"`
	Throughput  float64             `json:"throughput_bytes_per_sec"`
	Latency     telemetry.Quantiles `json:"latency"`
	Samples     int                 `json:"samples"`
	Stalls      int                 `json:"stalls"`
}

// MiBPerSecond returns the throughput in MiB/s.
func (r Report) MiBPerSecond() float64 {
	return r.Throughput / (1024 * 1024)
}

type batch struct {
	ops      int
	bytes    uint64
	lastWRID uint64
	postedAt time.Time
}

// Scheduler runs transfers on one endpoint. It is not safe for concurrent use.
type Scheduler struct {
	ep     Endpoint
	cfg    Config
	logger zerolog.Logger

	st      State
	open    batch
	pending []batch
}

// New validates cfg and returns a scheduler for ep. Zero MaxInFlight and
// SignalEvery take the defaults; SignalEvery is clamped to MaxInFlight so a
// full window always holds at least one closed batch.
func New(ep Endpoint, cfg Config) (*Scheduler, error) {
	if cfg.ChunkBytes == 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if cfg.ChunkBytes > rdma.MaxMessageSize {
		return nil, fmt.Errorf("%w: chunk size %d exceeds %d", ErrInvalidConfig, cfg.ChunkBytes, rdma.MaxMessageSize)
	}
	if cfg.MaxInFlight < 0 || cfg.SignalEvery < 0 {
		return nil, fmt.Errorf("%w: negative window or signal interval", ErrInvalidConfig)
	}

	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.SignalEvery == 0 {
		cfg.SignalEvery = DefaultSignalEvery
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.SignalEvery > cfg.MaxInFlight {
		logger.Debug().
			Int("signal_every", cfg.SignalEvery).
			Int("max_in_flight", cfg.MaxInFlight).
			Msg("Clamping signal interval to window")
		cfg.SignalEvery = cfg.MaxInFlight
	}

	return &Scheduler{ep: ep, cfg: cfg, logger: logger}, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// State returns the current accounting snapshot.
func (s *Scheduler) State() State {
	st := s.st
	st.Pending = s.open.bytes
	for _, b := range s.pending {
		st.Pending += b.bytes
	}
	st.Batches = len(s.pending)

	return st
}

func (s *Scheduler) now() time.Time {
	if s.cfg.Sampler != nil {
		return s.cfg.Sampler.Now()
	}

	return time.Now()
}

func (s *Scheduler) observe() {
	if s.cfg.Observe != nil {
		s.cfg.Observe(s.State())
	}
}

func (s *Scheduler) sample() {
	if s.cfg.Sampler != nil {
		s.cfg.Sampler.Observe(s.st.BytesSent, s.st.InFlight, s.st.Completions)
	}
}

// Run writes min(TotalBytes, remote.Capacity) bytes from local to the
// remote region, chunk by chunk, reading every chunk from the start of
// local. Any post, poll or completion failure ends the transfer; the
// returned report reflects the progress made up to that point.
func (s *Scheduler) Run(local *rdma.Buffer, remote capability.Record) (Report, error) {
	s.st = State{}
	s.open = batch{}
	s.pending = s.pending[:0]

	rep := Report{Requested: s.cfg.TotalBytes}

	total := s.cfg.TotalBytes
	if remote.Capacity < total {
		s.logger.Warn().
			Uint64("requested", total).
			Uint64("remote_capacity", remote.Capacity).
			Msg("Remote capacity smaller than requested size; capping transfer")
		total = remote.Capacity
		rep.Truncated = true
	}
	rep.TotalBytes = total
	s.st.TotalBytes = total

	if total == 0 {
		s.logger.Info().Msg("Nothing to transfer")
		return rep, nil
	}

	if need := min(total, s.cfg.ChunkBytes); local == nil || uint64(local.Len()) < need {
		return rep, fmt.Errorf("%w: local buffer smaller than %d bytes", ErrInvalidConfig, need)
	}

	if s.cfg.Sampler != nil {
		s.cfg.Sampler.Start()
	}
	start := s.now()

	err := s.transfer(local, remote, total)

	elapsed := s.now().Sub(start)
	rep.BytesSent = s.st.BytesSent
	rep.Operations = s.st.Posted
	rep.Signaled = s.st.Signaled
	rep.Completions = s.st.Completions
	rep.Elapsed = elapsed
	if elapsed > 0 {
		rep.Throughput = float64(s.st.BytesSent) / elapsed.Seconds()
	}
	if s.cfg.Digest != nil {
		rep.Latency = s.cfg.Digest.Summary()
	}
	if s.cfg.Sampler != nil {
		rep.Samples = s.cfg.Sampler.Emitted()
		rep.Stalls = s.cfg.Sampler.Stalls()
	}

	if err != nil {
		return rep, err
	}

	metrics.RecordTransfer(int64(rep.BytesSent), elapsed) //nolint:gosec // G115: bounded by registered capacity

	s.logger.Info().
		Uint64("bytes", rep.BytesSent).
		Uint64("operations", rep.Operations).
		Uint64("signaled", rep.Signaled).
		Dur("elapsed", elapsed).
		Float64("mib_per_sec", rep.MiBPerSecond()).
		Msg("Transfer complete")

	return rep, nil
}

func (s *Scheduler) transfer(local *rdma.Buffer, remote capability.Record, total uint64) error {
	wrid := uint64(1)

	for s.st.BytesSent < total {
		chunk := min(total-s.st.BytesSent, s.cfg.ChunkBytes)

		s.open.ops++
		s.open.bytes += chunk
		signal := s.open.ops == s.cfg.SignalEvery || s.st.BytesSent+chunk == total

		wr := &rdma.VerbsSendWR{
			WRID:       wrid,
			SGList:     []rdma.VerbsSGE{local.SGE(0, int(chunk))}, //nolint:gosec // G115: chunk <= MaxMessageSize
			Opcode:     rdma.WROpRDMAWrite,
			RemoteAddr: remote.Addr + s.st.BytesSent,
			RKey:       remote.RKey,
		}
		if signal {
			wr.SendFlags = rdma.SendFlagSignaled
		}

		if err := s.ep.PostSend(wr); err != nil {
			return fmt.Errorf("%w: wr %d at offset %d: %w", ErrPost, wrid, s.st.BytesSent, err)
		}
		metrics.RecordPost(rdma.WCOpRDMAWrite.String(), signal, int(chunk)) //nolint:gosec // G115: chunk <= MaxMessageSize

		s.st.Posted++
		s.st.InFlight++
		s.st.BytesSent += chunk

		if signal {
			s.open.lastWRID = wrid
			s.open.postedAt = s.now()
			s.pending = append(s.pending, s.open)
			s.open = batch{}
			s.st.Signaled++
		}
		wrid++

		s.observe()

		if s.st.InFlight >= s.cfg.MaxInFlight {
			if err := s.drainOne(); err != nil {
				return err
			}
		}

		s.sample()
	}

	for len(s.pending) > 0 {
		if err := s.drainOne(); err != nil {
			return err
		}
	}

	s.sample()

	return nil
}

// drainOne busy-polls until one completion arrives and retires the oldest
// batch with it.
func (s *Scheduler) drainOne() error {
	if len(s.pending) == 0 {
		return fmt.Errorf("%w: no batch awaiting completion", ErrUnexpectedCompletion)
	}

	for {
		wcs, err := s.ep.PollCQ(1)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPoll, err)
		}
		if len(wcs) == 0 {
			s.sample()
			runtime.Gosched()

			continue
		}

		wc := wcs[0]
		metrics.RecordCompletion(wc.Status.String())
		if s.cfg.Sampler != nil {
			s.cfg.Sampler.Completion()
		}

		if wc.Status != rdma.WCSuccess {
			s.logger.Error().
				Uint64("wr_id", wc.WRID).
				Str("status", wc.Status.String()).
				Msg("Work completion failed")

			return &CompletionError{WRID: wc.WRID, Status: wc.Status}
		}

		head := s.pending[0]
		if wc.WRID != head.lastWRID {
			return fmt.Errorf("%w: got wr %d, want %d", ErrUnexpectedCompletion, wc.WRID, head.lastWRID)
		}

		s.pending = s.pending[1:]
		s.st.InFlight -= head.ops
		s.st.BytesAcked += head.bytes
		s.st.Completions++

		if s.cfg.Digest != nil {
			if err := s.cfg.Digest.Add(s.now().Sub(head.postedAt)); err != nil {
				s.logger.Debug().Err(err).Msg("Latency digest rejected sample")
			}
		}

		s.observe()

		return nil
	}
}
