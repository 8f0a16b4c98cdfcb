package session

import (
	"context"
	"errors"
	"time"

	"github.com/piwi3910/rdmaxfer/internal/capability"
	"github.com/piwi3910/rdmaxfer/internal/history"
	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// Fixed contents of the write-with-immediate exchange.
const (
	ImmClientWrites = "client-wrote-with-imm"
	ImmNoteSize     = 64

	immRecvWRID = 100
	immSendWRID = 1
)

// ErrNoImmediate is returned when the server's receive completes without
// immediate data.
var ErrNoImmediate = errors.New("receive completed without immediate data")

// ImmServerReport is what the acceptor saw: the notification and the final
// buffer content.
type ImmServerReport struct {
	SessionID string            `json:"session_id"`
	Exposed   capability.Record `json:"exposed"`
	Initial   string            `json:"initial"`
	ImmData   uint32            `json:"imm_data"`
	ByteLen   uint32            `json:"byte_len"`
	Final     string            `json:"final"`
}

// ImmClientReport is the initiator's view of the exchange.
type ImmClientReport struct {
	SessionID string            `json:"session_id"`
	Remote    capability.Record `json:"remote"`
	Wrote     string            `json:"wrote"`
	ImmData   uint32            `json:"imm_data"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// RunImmServer exposes the basic buffer, posts one receive and waits for
// the client's write with immediate data to consume it. The immediate is
// the notification; the buffer content is read once it arrives.
func (s *Session) RunImmServer(ctx context.Context) (rep ImmServerReport, err error) {
	logger := s.begin(history.KindImmServer, rdma.RoleAcceptor)
	rep = ImmServerReport{SessionID: s.ID, Initial: BasicServerInitial}

	conn, err := s.newConn(rdma.RoleAcceptor, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		s.finish(rdma.RoleAcceptor, history.Record{
			Kind:       history.KindImmServer,
			Bytes:      uint64(rep.ByteLen),
			Operations: 1,
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

	res := conn.Resources()

	buf, err := res.Acquire(BasicBufferSize, rdma.MRAccessLocalWrite|rdma.MRAccessRemoteRead|rdma.MRAccessRemoteWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}
	copy(buf.Bytes, BasicServerInitial)

	note, err := res.Acquire(ImmNoteSize, rdma.MRAccessLocalWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	// The receive must be posted before accepting so the first write finds it.
	if err := conn.PostRecv(&rdma.VerbsRecvWR{
		WRID:   immRecvWRID,
		SGList: []rdma.VerbsSGE{note.SGE(0, ImmNoteSize)},
	}); err != nil {
		return rep, classify(ErrTransport, err)
	}

	rep.Exposed = capability.Record{Addr: buf.Addr, RKey: buf.RKey}

	logger.Info().
		Uint64("addr", buf.Addr).
		Uint32("rkey", buf.RKey).
		Msg("Accepting with a receive posted for the immediate")

	if err := conn.Accept(ctx, rep.Exposed.Encode(capability.Basic)); err != nil {
		return rep, classify(ErrHandshake, err)
	}

	wc, err := pollOne(ctx, conn)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}
	if !wc.HasImm() {
		logger.Warn().Str("opcode", wc.Opcode.String()).Msg("Receive completed without immediate data")
		return rep, classify(ErrTransport, ErrNoImmediate)
	}

	rep.ImmData = wc.ImmData
	rep.ByteLen = wc.ByteLen
	rep.Final = cString(buf.Bytes)

	logger.Info().
		Uint32("imm_data", wc.ImmData).
		Uint32("byte_len", wc.ByteLen).
		Str("content", rep.Final).
		Msg("Received write with immediate")

	if err := conn.AwaitDisconnect(ctx); err != nil {
		return rep, classify(ErrTransport, err)
	}

	return rep, nil
}

// RunImmClient connects to peer and writes ImmClientWrites into the exposed
// buffer with the payload length as immediate data.
func (s *Session) RunImmClient(ctx context.Context, peer string) (rep ImmClientReport, err error) {
	logger := s.begin(history.KindImmClient, rdma.RoleInitiator)
	rep = ImmClientReport{SessionID: s.ID}

	conn, err := s.newConn(rdma.RoleInitiator, logger)
	if err != nil {
		return rep, err
	}

	defer func() {
		if terr := s.teardown(ctx, conn); terr != nil && err == nil {
			err = classify(ErrTransport, terr)
		}

		s.finish(rdma.RoleInitiator, history.Record{
			Kind:       history.KindImmClient,
			Peer:       peer,
			Bytes:      uint64(len(rep.Wrote)),
			Elapsed:    rep.Elapsed,
			Operations: 1,
			Signaled:   1,
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

	tx, err := conn.Resources().Acquire(BasicBufferSize, rdma.MRAccessLocalWrite)
	if err != nil {
		return rep, classify(ErrTransport, err)
	}

	length := copy(tx.Bytes, ImmClientWrites) + 1 // include the terminator
	imm := uint32(length)                         //nolint:gosec // G115: fixed short payload

	start := time.Now()

	if err := conn.PostSend(&rdma.VerbsSendWR{
		WRID:       immSendWRID,
		SGList:     []rdma.VerbsSGE{tx.SGE(0, length)},
		Opcode:     rdma.WROpRDMAWriteImm,
		SendFlags:  rdma.SendFlagSignaled,
		RemoteAddr: remote.Addr,
		RKey:       remote.RKey,
		ImmData:    imm,
	}); err != nil {
		return rep, classify(ErrTransport, err)
	}
	metrics.RecordPost(metrics.OpWriteImm, true, length)

	logger.Info().Int("length", length).Uint32("imm_data", imm).Msg("Posted write with immediate")

	if _, err := pollOne(ctx, conn); err != nil {
		return rep, classify(ErrTransport, err)
	}

	rep.Elapsed = time.Since(start)
	rep.Wrote = ImmClientWrites
	rep.ImmData = imm

	logger.Info().Dur("elapsed", rep.Elapsed).Msg("Write with immediate complete")

	return rep, nil
}
