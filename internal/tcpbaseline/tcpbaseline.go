// Package tcpbaseline moves a byte count over a single TCP stream so RDMA
// throughput can be compared against the kernel socket path on the same
// hosts.
package tcpbaseline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

// DefaultBufferSize is the application buffer and socket buffer size.
const DefaultBufferSize = 4 << 20

// ErrInvalidSize is returned for a zero byte count or buffer size.
var ErrInvalidSize = errors.New("invalid transfer size")

// Report summarises one TCP transfer.
type Report struct {
	Requested  uint64        `json:"requested"`
	Bytes      uint64        `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughput_bytes_per_sec"`
}

// MiBPerSecond returns the throughput in MiB/s.
func (r Report) MiBPerSecond() float64 {
	return r.Throughput / (1024 * 1024)
}

// Complete reports whether every requested byte moved.
func (r Report) Complete() bool {
	return r.Bytes == r.Requested
}

func (r *Report) finish(elapsed time.Duration) {
	r.Elapsed = elapsed
	if elapsed > 0 {
		r.Throughput = float64(r.Bytes) / elapsed.Seconds()
	}
}

func tune(conn net.Conn, bufSize int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tc.SetNoDelay(true); err != nil {
		log.Debug().Err(err).Msg("TCP_NODELAY not applied")
	}
	if err := tc.SetReadBuffer(bufSize); err != nil {
		log.Debug().Err(err).Msg("Receive buffer size not applied")
	}
	if err := tc.SetWriteBuffer(bufSize); err != nil {
		log.Debug().Err(err).Msg("Send buffer size not applied")
	}
}

// Send connects to addr and writes total bytes of fill in bufSize writes.
// A connection closed early by the peer ends the transfer without error;
// the report carries the bytes actually sent.
func Send(ctx context.Context, addr string, total uint64, bufSize int, fill byte) (Report, error) {
	rep := Report{Requested: total}
	if total == 0 || bufSize <= 0 {
		return rep, fmt.Errorf("%w: total %d, buffer %d", ErrInvalidSize, total, bufSize)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return rep, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	tune(conn, bufSize)

	buf := make([]byte, bufSize)
	for i := range buf {
		buf[i] = fill
	}

	log.Info().Str("peer", addr).Uint64("bytes", total).Msg("TCP send started")

	start := time.Now()
	for rep.Bytes < total {
		chunk := min(total-rep.Bytes, uint64(bufSize)) //nolint:gosec // G115: bufSize > 0

		n, err := conn.Write(buf[:chunk])
		rep.Bytes += uint64(n) //nolint:gosec // G115: n >= 0
		if err != nil {
			if ctx.Err() != nil {
				rep.finish(time.Since(start))
				return rep, ctx.Err()
			}

			log.Warn().Err(err).Uint64("sent", rep.Bytes).Msg("TCP send ended early")

			break
		}
	}
	rep.finish(time.Since(start))

	metrics.BytesSent.Add(float64(rep.Bytes))

	log.Info().
		Uint64("bytes", rep.Bytes).
		Dur("elapsed", rep.Elapsed).
		Float64("mib_per_sec", rep.MiBPerSecond()).
		Msg("TCP send complete")

	return rep, nil
}

// Sink accepts one connection on ln and reads until total bytes arrived or
// the peer closed the stream.
func Sink(ctx context.Context, ln net.Listener, total uint64, bufSize int) (Report, error) {
	rep := Report{Requested: total}
	if total == 0 || bufSize <= 0 {
		return rep, fmt.Errorf("%w: total %d, buffer %d", ErrInvalidSize, total, bufSize)
	}

	stopAccept := context.AfterFunc(ctx, func() { _ = ln.Close() })
	conn, err := ln.Accept()
	stopAccept()
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		return rep, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	tune(conn, bufSize)

	log.Info().Str("peer", conn.RemoteAddr().String()).Uint64("expecting", total).Msg("TCP sink accepted connection")

	buf := make([]byte, bufSize)

	start := time.Now()
	for rep.Bytes < total {
		want := min(total-rep.Bytes, uint64(bufSize)) //nolint:gosec // G115: bufSize > 0

		n, err := conn.Read(buf[:want])
		rep.Bytes += uint64(n) //nolint:gosec // G115: n >= 0
		if err != nil {
			if ctx.Err() != nil {
				rep.finish(time.Since(start))
				return rep, ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("TCP receive failed")
			}

			break
		}
	}
	rep.finish(time.Since(start))

	if !rep.Complete() {
		log.Warn().Uint64("received", rep.Bytes).Uint64("expected", total).Msg("Peer closed before the full size arrived")
	}

	log.Info().
		Uint64("bytes", rep.Bytes).
		Dur("elapsed", rep.Elapsed).
		Float64("mib_per_sec", rep.MiBPerSecond()).
		Msg("TCP receive complete")

	return rep, nil
}
