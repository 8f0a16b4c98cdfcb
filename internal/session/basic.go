package session

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Fixed contents of the basic read/write exchange.
const (
	BasicBufferSize    = 4096
	BasicServerInitial = "server-initial"
	BasicClientWrites  = "client-wrote-this"

	cachedWRIDBase = 1000
)

// cachedWriteSizes are cycled by the cached-buffer writes.
var cachedWriteSizes = []int{BasicBufferSize / 8, BasicBufferSize / 4, BasicBufferSize / 2, BasicBufferSize}

// BasicServerReport is what the acceptor saw in its exposed buffer.
type BasicServerReport struct {
	SessionID string            `json:"session_id"`
	Exposed   capability.Record `json:"exposed"`
	Initial   string            `json:"initial"`
	Final     string            `json:"final"`
}

// BasicClientReport is the initiator's view of the exchange.
type BasicClientReport struct {
	SessionID string            `json:"session_id"`
	Remote    capability.Record `json:"remote"`
	Wrote     string            `json:"wrote"`
	ReadBack  string            `json:"read_back"`
	Elapsed   time.Duration     `json:"elapsed"`

	Iterations  int             `json:"iterations,omitempty"`
	CachedBytes uint64          `json:"cached_bytes,omitempty"`
	Cache       rdma.CacheStats `json:"cache"`
}

// cString returns b up to its first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

// RunBasicServer exposes a small buffer holding BasicServerInitial, waits for
// the client to write into it and disconnect, and reports the final content.
func (s *Session) RunBasicServer(ctx context.Context) (rep BasicServerReport, err error) {
	logger := s.begin(history.KindBasicServer, rdma.RoleAcceptor)
	rep = BasicServerReport{SessionID: s.ID, Initial: BasicServerInitial}

	conn, err := s.newConn(rdma.RoleAcceptor, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		s.finish(rdma.RoleAcceptor, history.Record{
			Kind:  history.KindBasicServer,
			Bytes: uint64(len(rep.Final)),
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

	buf, err := conn.Resources().Acquire(BasicBufferSize, rdma.MRAccessLocalWrite|rdma.MRAccessRemoteRead|rdma.MRAccessRemoteWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}
	copy(buf.Bytes, BasicServerInitial)

	rep.Exposed = capability.Record{Addr: buf.Addr, RKey: buf.RKey}

	logger.Info().
		Uint64("addr", buf.Addr).
		Uint32("rkey", buf.RKey).
		Str("content", BasicServerInitial).
		Msg("Accepting with basic capability")

	if err := conn.Accept(ctx, rep.Exposed.Encode(capability.Basic)); err != nil {
		return rep, classify(ErrHandshake, err)
	}

	if err := conn.AwaitDisconnect(ctx); err != nil {
		return rep, classify(ErrTransport, err)
	}

	rep.Final = cString(buf.Bytes)
	logger.Info().Str("content", rep.Final).Msg("Client disconnected")

	return rep, nil
}

// RunBasicClient connects to peer, writes BasicClientWrites into the
// exposed buffer and reads the buffer back. Each operation is signaled and
// polled before the next. With Iterations configured, that many writes of
// cycling sizes through the registration cache come first.
func (s *Session) RunBasicClient(ctx context.Context, peer string) (rep BasicClientReport, err error) {
	logger := s.begin(history.KindBasicClient, rdma.RoleInitiator)
	rep = BasicClientReport{SessionID: s.ID}

	conn, err := s.newConn(rdma.RoleInitiator, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		s.finish(rdma.RoleInitiator, history.Record{
			Kind:       history.KindBasicClient,
			Peer:       peer,
			Bytes:      uint64(len(rep.Wrote)+len(rep.ReadBack)) + rep.CachedBytes,
			Elapsed:    rep.Elapsed,
			Operations: 2 + uint64(rep.Iterations), //nolint:gosec // G115: validated non-negative
			Signaled:   2 + uint64(rep.Iterations), //nolint:gosec // G115: validated non-negative
		}, err)
	}()

	pdata, err := conn.Establish(ctx, peer, nil)
	if err != nil {
		return rep, classify(ErrHandshake, err)
	}

	remote, err := capability.DecodeBasic(pdata)
	if err != nil {
		return rep, classify(ErrHandshake, err)
	}
	rep.Remote = remote

	logger.Info().Uint64("remote_addr", remote.Addr).Uint32("rkey", remote.RKey).Msg("Received basic capability")

	res := conn.Resources()
	start := time.Now()

	if err := s.runCachedWrites(ctx, conn, remote, &rep, logger); err != nil {
		return rep, classify(ErrTransport, err)
	}

	tx, err := res.Get(BasicBufferSize, rdma.MRAccessLocalWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}
	defer res.Put(tx)

	rx, err := res.Get(BasicBufferSize, rdma.MRAccessLocalWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}
	defer res.Put(rx)

	// A reused buffer keeps the previous fill, so terminate explicitly.
	n := copy(tx.Bytes, BasicClientWrites)
	tx.Bytes[n] = 0
	length := n + 1

	if err := conn.PostSend(&rdma.VerbsSendWR{
		WRID:       1,
		SGList:     []rdma.VerbsSGE{tx.SGE(0, length)},
		Opcode:     rdma.WROpRDMAWrite,
		SendFlags:  rdma.SendFlagSignaled,
		RemoteAddr: remote.Addr,
		RKey:       remote.RKey,
	}); err != nil {
		return rep, classify(ErrTransport, err)
	}
	metrics.RecordPost(rdma.WCOpRDMAWrite.String(), true, length)

	if _, err := pollOne(ctx, conn); err != nil {
		return rep, classify(ErrTransport, err)
	}
	rep.Wrote = BasicClientWrites
	logger.Info().Str("content", rep.Wrote).Msg("Write complete")

	if err := conn.PostSend(&rdma.VerbsSendWR{
		WRID:       2,
		SGList:     []rdma.VerbsSGE{rx.SGE(0, BasicBufferSize)},
		Opcode:     rdma.WROpRDMARead,
		SendFlags:  rdma.SendFlagSignaled,
		RemoteAddr: remote.Addr,
		RKey:       remote.RKey,
	}); err != nil {
		return rep, classify(ErrTransport, err)
	}
	metrics.RecordPost(rdma.WCOpRDMARead.String(), true, BasicBufferSize)

	if _, err := pollOne(ctx, conn); err != nil {
		return rep, classify(ErrTransport, err)
	}
	rep.Elapsed = time.Since(start)
	rep.ReadBack = cString(rx.Bytes)
	rep.Cache = res.CacheStats()

	logger.Info().Str("content", rep.ReadBack).Dur("elapsed", rep.Elapsed).Msg("Read complete")

	return rep, nil
}

// runCachedWrites writes the configured number of times into the remote
// buffer, each from a cached buffer of the next size filled with a letter.
// Buffers go back to the cache after their completion is polled.
func (s *Session) runCachedWrites(ctx context.Context, conn *rdma.Conn, remote capability.Record, rep *BasicClientReport, logger zerolog.Logger) error {
	if s.cfg.Iterations == 0 {
		return nil
	}

	res := conn.Resources()
	logger.Info().Int("iterations", s.cfg.Iterations).Msg("Starting cached-buffer writes")

	for i := range s.cfg.Iterations {
		size := cachedWriteSizes[i%len(cachedWriteSizes)]

		buf, err := res.Get(size, rdma.MRAccessLocalWrite)
		if err != nil {
			return err
		}

		fill := byte('A' + i%26)
		for j := range buf.Bytes {
			buf.Bytes[j] = fill
		}

		if err := conn.PostSend(&rdma.VerbsSendWR{
			WRID:       cachedWRIDBase + uint64(i), //nolint:gosec // G115: i is non-negative
			SGList:     []rdma.VerbsSGE{buf.SGE(0, size)},
			Opcode:     rdma.WROpRDMAWrite,
			SendFlags:  rdma.SendFlagSignaled,
			RemoteAddr: remote.Addr,
			RKey:       remote.RKey,
		}); err != nil {
			return err
		}
		metrics.RecordPost(rdma.WCOpRDMAWrite.String(), true, size)

		if _, err := pollOne(ctx, conn); err != nil {
			return err
		}
		res.Put(buf)

		rep.Iterations++
		rep.CachedBytes += uint64(size)
	}

	rep.Cache = res.CacheStats()
	logger.Info().
		Int("hits", rep.Cache.Hits).
		Int("misses", rep.Cache.Misses).
		Int("registrations", rep.Cache.Registrations).
		Int("entries", rep.Cache.Entries).
		Msg("Cached-buffer writes complete")

	return nil
}
