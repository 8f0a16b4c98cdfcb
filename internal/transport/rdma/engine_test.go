package rdma

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

const remoteRW = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead

func acquire(t *testing.T, c *Conn, size, access int) *Buffer {
	t.Helper()

	buf, err := c.Resources().Acquire(size, access)
	require.NoError(t, err)

	return buf
}

func writeWR(wrid uint64, src *Buffer, n int, dst *Buffer, signaled bool) *VerbsSendWR {
	wr := &VerbsSendWR{
		WRID:       wrid,
		SGList:     []VerbsSGE{src.SGE(0, n)},
		Opcode:     WROpRDMAWrite,
		RemoteAddr: dst.Addr,
		RKey:       dst.RKey,
	}
	if signaled {
		wr.SendFlags = SendFlagSignaled
	}

	return wr
}

func TestEngineWriteMovesData(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 8192, remoteRW)
	src := acquire(t, p.ini, 8192, MRAccessLocalWrite)
	for i := range src.Bytes {
		src.Bytes[i] = byte(i)
	}

	require.NoError(t, p.ini.PostSend(writeWR(7, src, 8192, dst, true)))

	wcs, err := p.ini.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(7), wcs[0].WRID)
	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, WCOpRDMAWrite, wcs[0].Opcode)
	assert.Equal(t, uint32(8192), wcs[0].ByteLen)
	assert.True(t, bytes.Equal(src.Bytes, dst.Bytes))
}

func TestEngineReadMovesData(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	remote := acquire(t, p.acc, 4096, remoteRW)
	copy(remote.Bytes, bytes.Repeat([]byte{0xab}, 4096))
	local := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	require.NoError(t, p.ini.PostSend(&VerbsSendWR{
		WRID:       1,
		SGList:     []VerbsSGE{local.SGE(0, 4096)},
		Opcode:     WROpRDMARead,
		SendFlags:  SendFlagSignaled,
		RemoteAddr: remote.Addr,
		RKey:       remote.RKey,
	}))

	wcs, err := p.ini.PollCQ(1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, WCOpRDMARead, wcs[0].Opcode)
	assert.Equal(t, remote.Bytes, local.Bytes)
}

func TestEngineRemoteAccessErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wr *VerbsSendWR, dst *Buffer)
		access int
	}{
		{
			name:   "unknown rkey",
			mutate: func(wr *VerbsSendWR, _ *Buffer) { wr.RKey ^= 0xffff },
			access: remoteRW,
		},
		{
			name:   "out of bounds",
			mutate: func(wr *VerbsSendWR, dst *Buffer) { wr.RemoteAddr = dst.Addr + 1 },
			access: remoteRW,
		},
		{
			name:   "no remote write access",
			mutate: func(*VerbsSendWR, *Buffer) {},
			access: MRAccessLocalWrite | MRAccessRemoteRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := connectPair(t, DefaultConnConfig())

			dst := acquire(t, p.acc, 4096, tt.access)
			src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

			wr := writeWR(3, src, 4096, dst, false)
			tt.mutate(wr, dst)
			require.NoError(t, p.ini.PostSend(wr))

			// Failures complete even when unsignaled.
			wcs, err := p.ini.PollCQ(1)
			require.NoError(t, err)
			require.Len(t, wcs, 1)
			assert.Equal(t, WCRemoteAccessErr, wcs[0].Status)

			// The queue pair is in the error state afterwards.
			err = p.ini.PostSend(writeWR(4, src, 16, dst, true))
			require.ErrorIs(t, err, ErrQPNotConnected)
		})
	}
}

func TestEngineLocalProtectionError(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	wr := writeWR(9, src, 4096, dst, true)
	wr.SGList[0].LKey ^= 0xffff

	// Local validation failures surface as completions, not post errors.
	require.NoError(t, p.ini.PostSend(wr))

	wcs, err := p.ini.PollCQ(1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCLocalProtErr, wcs[0].Status)
	assert.Equal(t, uint64(9), wcs[0].WRID)
}

func TestEngineSendQueueDepth(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxSendWR = 2
	p := connectPair(t, cfg)

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	require.NoError(t, p.ini.PostSend(writeWR(1, src, 1024, dst, false)))
	require.NoError(t, p.ini.PostSend(writeWR(2, src, 1024, dst, true)))
	require.ErrorIs(t, p.ini.PostSend(writeWR(3, src, 1024, dst, false)), ErrSendQueueFull)

	attr, err := p.iniProv.QueryQP(p.ini.QP())
	require.NoError(t, err)
	assert.Equal(t, 2, attr.Pending)

	// Polling the signaled completion retires the unsignaled one before it.
	wcs, err := p.ini.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(2), wcs[0].WRID)

	attr, err = p.iniProv.QueryQP(p.ini.QP())
	require.NoError(t, err)
	assert.Equal(t, 0, attr.Pending)

	require.NoError(t, p.ini.PostSend(writeWR(3, src, 1024, dst, true)))
}

func TestEnginePostValidation(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	wr := writeWR(1, src, 16, dst, true)
	wr.Opcode = 42
	require.ErrorIs(t, p.ini.PostSend(wr), ErrInvalidOpcode)

	wr = writeWR(1, src, 16, dst, true)
	wr.SGList = nil
	require.ErrorIs(t, p.ini.PostSend(wr), ErrInvalidSGE)

	wr = writeWR(1, src, 16, dst, true)
	wr.SGList = append(wr.SGList, src.SGE(16, 16))
	require.ErrorIs(t, p.ini.PostSend(wr), ErrInvalidSGE)
}

func TestEngineTeardownOrderEnforced(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())
	acquire(t, p.acc, 4096, remoteRW)

	prov := p.accPr
	c := p.acc

	require.ErrorIs(t, prov.DeallocPD(c.pd), ErrResourceBusy)
	require.ErrorIs(t, prov.DestroyCQ(c.cq), ErrResourceBusy)
	require.ErrorIs(t, prov.DestroyID(c.id), ErrResourceBusy)
	require.ErrorIs(t, prov.DestroyEventChannel(c.ch), ErrResourceBusy)
}

func TestEngineKeysUnique(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	seen := map[uint32]bool{}
	for range 8 {
		b := acquire(t, p.acc, 4096, remoteRW)
		for _, k := range []uint32{b.LKey, b.RKey} {
			assert.NotZero(t, k)
			assert.False(t, seen[k], "key %#x reused", k)
			seen[k] = true
		}
	}
}

func TestEngineRegistrationChecks(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	_, err := p.accPr.RegMR(p.acc.pd, nil, remoteRW)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = p.accPr.RegMR(p.acc.pd, make([]byte, 16), MRAccessRemoteWrite)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = p.accPr.RegMR(VerbsPD(999999), make([]byte, 16), remoteRW)
	require.ErrorIs(t, err, ErrPDNotFound)
}

func TestEngineCQOverrun(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.CQDepth = 1
	p := connectPair(t, cfg)

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	require.NoError(t, p.ini.PostSend(writeWR(1, src, 16, dst, true)))
	require.NoError(t, p.ini.PostSend(writeWR(2, src, 16, dst, true)))

	_, err := p.ini.PollCQ(4)
	require.ErrorIs(t, err, ErrCQOverrun)
}

func TestEngineMetrics(t *testing.T) {
	counter := func(op string) float64 {
		return testutil.ToFloat64(metrics.VerbsOperations.WithLabelValues(op))
	}
	writes, qps, mrs := counter(opWrite), counter(opCreateQP), counter(opRegMR)
	errs := testutil.ToFloat64(metrics.VerbsErrors)

	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)
	require.NoError(t, p.ini.PostSend(writeWR(1, src, 16, dst, true)))

	assert.Equal(t, float64(1), counter(opWrite)-writes)
	assert.Equal(t, float64(2), counter(opCreateQP)-qps)
	assert.Equal(t, float64(2), counter(opRegMR)-mrs)

	bad := writeWR(2, src, 16, dst, true)
	bad.RKey ^= 0xffff
	require.NoError(t, p.ini.PostSend(bad))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VerbsErrors)-errs)
}

func writeImmWR(wrid uint64, src *Buffer, n int, dst *Buffer, imm uint32) *VerbsSendWR {
	wr := writeWR(wrid, src, n, dst, true)
	wr.Opcode = WROpRDMAWriteImm
	wr.ImmData = imm

	return wr
}

func TestEngineWriteWithImmediate(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	note := acquire(t, p.acc, 64, MRAccessLocalWrite)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)
	copy(src.Bytes, "client-wrote-with-imm\x00")

	require.NoError(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 100, SGList: []VerbsSGE{note.SGE(0, 64)}}))
	require.NoError(t, p.ini.PostSend(writeImmWR(5, src, 22, dst, 22)))

	// The requester sees an ordinary write completion.
	wcs, err := p.ini.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(5), wcs[0].WRID)
	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, WCOpRDMAWrite, wcs[0].Opcode)
	assert.False(t, wcs[0].HasImm())

	// The responder's receive completes with the immediate.
	wcs, err = p.acc.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(100), wcs[0].WRID)
	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, WCOpRecvRDMAWithImm, wcs[0].Opcode)
	assert.True(t, wcs[0].HasImm())
	assert.Equal(t, uint32(22), wcs[0].ImmData)
	assert.Equal(t, uint32(22), wcs[0].ByteLen)
	assert.Equal(t, "client-wrote-with-imm\x00", string(dst.Bytes[:22]))
}

func TestEngineWriteWithImmediateConsumesReceivesInOrder(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)

	// Receives without a scatter list only carry the notification.
	require.NoError(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 10, Next: &VerbsRecvWR{WRID: 11}}))

	require.NoError(t, p.ini.PostSend(writeImmWR(1, src, 8, dst, 0xaa)))
	require.NoError(t, p.ini.PostSend(writeImmWR(2, src, 0, dst, 0xbb)))

	wcs, err := p.acc.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 2)
	assert.Equal(t, uint64(10), wcs[0].WRID)
	assert.Equal(t, uint32(0xaa), wcs[0].ImmData)
	assert.Equal(t, uint64(11), wcs[1].WRID)
	assert.Equal(t, uint32(0xbb), wcs[1].ImmData)
	assert.Zero(t, wcs[1].ByteLen)

	wcs, err = p.ini.PollCQ(4)
	require.NoError(t, err)
	assert.Len(t, wcs, 2)
}

func TestEngineWriteWithImmediateWithoutReceive(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	dst := acquire(t, p.acc, 4096, remoteRW)
	src := acquire(t, p.ini, 4096, MRAccessLocalWrite)
	src.Bytes[0] = 0xff

	require.NoError(t, p.ini.PostSend(writeImmWR(1, src, 16, dst, 1)))

	wcs, err := p.ini.PollCQ(1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCRNRRetryExcErr, wcs[0].Status)
	assert.Zero(t, dst.Bytes[0], "a refused write places no data")

	wcs, err = p.acc.PollCQ(1)
	require.NoError(t, err)
	assert.Empty(t, wcs)
}

func TestEnginePostRecvValidation(t *testing.T) {
	cfg := DefaultConnConfig()
	cfg.MaxRecvWR = 1
	p := connectPair(t, cfg)

	note := acquire(t, p.acc, 64, MRAccessLocalWrite)
	readOnly := acquire(t, p.acc, 64, MRAccessRemoteRead)

	bad := note.SGE(0, 64)
	bad.LKey ^= 0xffff
	require.ErrorIs(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 1, SGList: []VerbsSGE{bad}}), ErrInvalidSGE)
	require.ErrorIs(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 1, SGList: []VerbsSGE{readOnly.SGE(0, 64)}}), ErrInvalidSGE)
	require.ErrorIs(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 1, SGList: []VerbsSGE{note.SGE(0, 65)}}), ErrInvalidSGE)
	require.ErrorIs(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 1, SGList: []VerbsSGE{note.SGE(0, 32), note.SGE(32, 32)}}), ErrInvalidSGE)

	require.NoError(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 1, SGList: []VerbsSGE{note.SGE(0, 64)}}))
	require.ErrorIs(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 2}), ErrRecvQueueFull)
}

func TestEngineDisconnectFlushesReceives(t *testing.T) {
	p := connectPair(t, DefaultConnConfig())

	require.NoError(t, p.acc.PostRecv(&VerbsRecvWR{WRID: 42}))

	ctx := testContext(t)
	require.NoError(t, p.ini.Close(ctx))
	require.NoError(t, p.acc.AwaitDisconnect(ctx))

	wcs, err := p.acc.PollCQ(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(42), wcs[0].WRID)
	assert.Equal(t, WCWRFlushErr, wcs[0].Status)
	assert.Equal(t, WCOpRecv, wcs[0].Opcode)
}
