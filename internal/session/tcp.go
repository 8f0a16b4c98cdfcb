package session

import (
	"context"
	"fmt"
	"net"

	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/tcpbaseline"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// tcpBufferSize uses the chunk size as the socket buffer so both paths move
// the same unit.
func (s *Session) tcpBufferSize() int {
	if s.cfg.ChunkBytes == 0 {
		return tcpbaseline.DefaultBufferSize
	}

	return int(s.cfg.ChunkBytes) //nolint:gosec // G115: chunk <= MaxMessageSize
}

func tcpRecord(kind, peer string, rep tcpbaseline.Report) history.Record {
	return history.Record{
		Kind:       kind,
		Fabric:     "tcp",
		Peer:       peer,
		Requested:  rep.Requested,
		Bytes:      rep.Bytes,
		Elapsed:    rep.Elapsed,
		Throughput: rep.Throughput,
		Truncated:  !rep.Complete(),
	}
}

// RunTCPSend streams the configured total to peer over TCP.
func (s *Session) RunTCPSend(ctx context.Context, peer string) (rep tcpbaseline.Report, err error) {
	s.begin(history.KindTCPSend, rdma.RoleInitiator)

	defer func() {
		s.finish(rdma.RoleInitiator, tcpRecord(history.KindTCPSend, peer, rep), err)
	}()

	rep, err = tcpbaseline.Send(ctx, peer, s.cfg.TotalBytes, s.tcpBufferSize(), byte(s.cfg.FillPattern)) //nolint:gosec // G115: validated 0..255
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	return rep, nil
}

// RunTCPSink listens on the configured address and reads one stream of up to
// the configured total.
func (s *Session) RunTCPSink(ctx context.Context) (rep tcpbaseline.Report, err error) {
	logger := s.begin(history.KindTCPSink, rdma.RoleAcceptor)
	rep = tcpbaseline.Report{Requested: s.cfg.TotalBytes}

	defer func() {
		s.finish(rdma.RoleAcceptor, tcpRecord(history.KindTCPSink, "", rep), err)
	}()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr())
	if err != nil {
		return rep, classify(ErrTransport, fmt.Errorf("listen %s: %w", s.cfg.ListenAddr(), err))
	}
	defer ln.Close()

	addr := ln.Addr().String()
	logger.Info().Str("addr", addr).Msg("Listening for a TCP stream")

	if s.onListen != nil {
		s.onListen(addr)
	}

	rep, err = tcpbaseline.Sink(ctx, ln, s.cfg.TotalBytes, s.tcpBufferSize())
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	return rep, nil
}
