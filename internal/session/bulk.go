package session

import (
	"context"
	"time"

	"github.com/piwi3910/rdmaxfer/internal/bulk"
	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/telemetry"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// BulkSendReport is the initiator's view of a bulk transfer.
type BulkSendReport struct {
	SessionID string            `json:"session_id"`
	Peer      string            `json:"peer"`
	Remote    capability.Record `json:"remote"`
	bulk.Report
}

// BulkReceiveReport is the acceptor's view of a bulk transfer.
type BulkReceiveReport struct {
	SessionID string        `json:"session_id"`
	Exposed   uint64        `json:"exposed"`
	Elapsed   time.Duration `json:"elapsed"`

	// Throughput assumes the whole exposed region was written.
	Throughput float64 `json:"throughput_bytes_per_sec"`

	// Verified counts exposed bytes equal to the fill pattern; nil unless
	// verification was requested.
	Verified *uint64 `json:"verified,omitempty"`
}

// MiBPerSecond returns the throughput in MiB/s.
func (r BulkReceiveReport) MiBPerSecond() float64 {
	return r.Throughput / (1024 * 1024)
}

// RunBulkSender connects to peer, learns the exposed region from the
// handshake and writes the configured total into it chunk by chunk.
func (s *Session) RunBulkSender(ctx context.Context, peer string) (rep BulkSendReport, err error) {
	logger := s.begin(history.KindBulkSend, rdma.RoleInitiator)
	rep = BulkSendReport{SessionID: s.ID, Peer: peer}

	conn, err := s.newConn(rdma.RoleInitiator, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		s.finish(rdma.RoleInitiator, history.Record{
			Kind:       history.KindBulkSend,
			Peer:       peer,
			Requested:  rep.Requested,
			Bytes:      rep.BytesSent,
			Elapsed:    rep.Elapsed,
			Throughput: rep.Throughput,
			Operations: rep.Operations,
			Signaled:   rep.Signaled,
			Truncated:  rep.Truncated,
			Stalls:     rep.Stalls,
			Latency:    rep.Latency,
		}, err)
	}()

	pdata, err := conn.Establish(ctx, peer, nil)
	if err != nil {
		return rep, classify(ErrHandshake, err)
	}

	remote, err := capability.DecodeBulk(pdata)
	if err != nil {
		return rep, classify(ErrHandshake, err)
	}
	rep.Remote = remote

	logger.Info().
		Uint64("remote_addr", remote.Addr).
		Uint32("rkey", remote.RKey).
		Uint64("remote_capacity", remote.Capacity).
		Msg("Received bulk capability")

	chunk := min(s.cfg.ChunkBytes, max(min(s.cfg.TotalBytes, remote.Capacity), 1))

	buf, err := conn.Resources().Acquire(int(chunk), rdma.MRAccessLocalWrite) //nolint:gosec // G115: chunk <= MaxMessageSize
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	fill := byte(s.cfg.FillPattern) //nolint:gosec // G115: validated 0..255
	for i := range buf.Bytes {
		buf.Bytes[i] = fill
	}

	sink, err := s.telemetrySink(logger)
	if err != nil {
		return rep, err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close telemetry sinks")
		}
	}()

	digest, err := telemetry.NewLatencyDigest()
	if err != nil {
		logger.Debug().Err(err).Msg("Latency digest unavailable")
		digest = nil
	}

	sched, err := bulk.New(conn, bulk.Config{
		TotalBytes:  s.cfg.TotalBytes,
		ChunkBytes:  s.cfg.ChunkBytes,
		MaxInFlight: s.cfg.MaxInFlight,
		SignalEvery: s.cfg.SignalEvery,
		Sampler:     telemetry.NewSampler(sink, s.cfg.Telemetry.Interval, s.cfg.Telemetry.StallThreshold),
		Digest:      digest,
		Logger:      &logger,
	})
	if err != nil {
		return rep, classify(ErrUsage, err)
	}

	rep.Report, err = sched.Run(buf, remote)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	return rep, nil
}

// RunBulkReceiver listens, exposes a zero-filled region of the configured
// size to the first initiator and waits until it disconnects.
func (s *Session) RunBulkReceiver(ctx context.Context) (rep BulkReceiveReport, err error) {
	logger := s.begin(history.KindBulkReceive, rdma.RoleAcceptor)
	rep = BulkReceiveReport{SessionID: s.ID, Exposed: s.cfg.ExposeBytes}

	conn, err := s.newConn(rdma.RoleAcceptor, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		var received uint64
		if err == nil {
			received = rep.Exposed
		}

		s.finish(rdma.RoleAcceptor, history.Record{
			Kind:       history.KindBulkReceive,
			Requested:  rep.Exposed,
			Bytes:      received,
			Elapsed:    rep.Elapsed,
			Throughput: rep.Throughput,
			Verified:   rep.Verified,
		}, err)
	}()

	if err := s.listen(conn); err != nil {
		return rep, classify(ErrHandshake, err)
	}

	if _, err := conn.AwaitPeerRequest(ctx); err != nil {
		return rep, classify(ErrHandshake, err)
	}

	if err := conn.BuildQP(); err != nil {
		return rep, classify(ErrTransport, err)
	}

	exposed, err := conn.Resources().Acquire(int(s.cfg.ExposeBytes), rdma.MRAccessLocalWrite|rdma.MRAccessRemoteWrite|rdma.MRAccessRemoteRead) //nolint:gosec // G115: bounded by allocator
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	record := capability.Record{Addr: exposed.Addr, RKey: exposed.RKey, Capacity: uint64(exposed.Len())}
	if err := conn.Accept(ctx, record.Encode(capability.Bulk)); err != nil {
		return rep, classify(ErrHandshake, err)
	}

	logger.Info().Uint64("bytes", rep.Exposed).Uint32("rkey", exposed.RKey).Msg("Exposed bulk region")

	start := time.Now()
	if err := conn.AwaitDisconnect(ctx); err != nil {
		return rep, classify(ErrTransport, err)
	}
	rep.Elapsed = time.Since(start)
	if rep.Elapsed > 0 {
		rep.Throughput = float64(rep.Exposed) / rep.Elapsed.Seconds()
	}

	if s.cfg.Verify {
		fill := byte(s.cfg.FillPattern) //nolint:gosec // G115: validated 0..255
		var n uint64
		for _, b := range exposed.Bytes {
			if b == fill {
				n++
			}
		}
		rep.Verified = &n
	}

	logger.Info().
		Dur("elapsed", rep.Elapsed).
		Float64("mib_per_sec", rep.MiBPerSecond()).
		Msg("Peer disconnected; bulk receive finished")

	return rep, nil
}
