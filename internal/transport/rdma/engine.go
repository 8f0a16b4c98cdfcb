package rdma

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"unsafe"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
)

// ErrCQOverrun is returned by PollCQ once more completions were queued than
// the completion queue can hold.
var ErrCQOverrun = errors.New("completion queue overrun")

// linkOp is one one-sided operation handed to a fabric link.
type linkOp struct {
	opcode     int
	wrid       uint64
	remoteAddr uint64
	rkey       uint32
	data       []byte // payload for writes
	length     int    // requested length for reads
	imm        uint32 // immediate data for WROpRDMAWriteImm
	signaled   bool
}

// link moves one-sided operations to the peer of a connected identifier.
// done reports the remote outcome; for reads data carries the bytes read.
// It may run before post returns or later from another goroutine, and may
// never run for a successful unsignaled operation.
type link interface {
	post(op linkOp, done func(status WCStatus, data []byte)) error
	close() error
}

// engine is the software verbs implementation shared by the fabrics. It
// keeps handle tables for every verbs and CM object, validates keys, bounds
// and access on both sides of a one-sided operation and queues completions.
type engine struct {
	mu          sync.Mutex
	device      VerbsContext
	channels    map[EventChannel]*eventChannel
	ids         map[CMID]*cmID
	pds         map[VerbsPD]*softPD
	cqs         map[VerbsCQ]*softCQ
	qps         map[VerbsQP]*softQP
	mrs         map[VerbsMR]*softMR
	lkeys       map[uint32]*softMR
	rkeys       map[uint32]*softMR
	onDestroyID func(id *cmID)
	nextHandle  uintptr
	nextKey     uint32
	closed      bool
}

type eventChannel struct {
	mu     sync.Mutex
	queue  []*CMEvent
	notify chan struct{}
	ids    int
}

type cmID struct {
	handle   CMID
	ch       EventChannel
	verbs    VerbsContext
	qp       VerbsQP
	link     link
	addr     string
	peerAddr string
	ext      any
}

type softPD struct {
	refs int
}

type softCQ struct {
	entries  []VerbsWorkCompletion
	depth    int
	refs     int
	overflow bool
}

type softQP struct {
	handle   VerbsQP
	id       CMID
	pd       VerbsPD
	sendCQ   VerbsCQ
	recvCQ   VerbsCQ
	qpType   QPType
	cap      VerbsQPCap
	state    QPState
	qpn      uint32
	inflight []inflightWR
	recvs    []uint64 // posted receive WRIDs, consumed in order
}

type inflightWR struct {
	wrid     uint64
	opcode   int
	length   uint32
	signaled bool
	done     bool
}

type softMR struct {
	pd     VerbsPD
	buf    []byte
	addr   uint64
	access int
	lkey   uint32
	rkey   uint32
}

// Operation labels reported to metrics.RecordVerbsOp.
const (
	opAllocPD    = "alloc_pd"
	opCreateCQ   = "create_cq"
	opCreateQP   = "create_qp"
	opRegMR      = "reg_mr"
	opWrite      = "rdma_write"
	opWriteImm   = "rdma_write_imm"
	opRead       = "rdma_read"
	opPostRecv   = "post_recv"
	opCompletion = "completion"
	opCMEvent    = "cm_event"
)

func newEngine() *engine {
	e := &engine{
		channels: make(map[EventChannel]*eventChannel),
		ids:      make(map[CMID]*cmID),
		pds:      make(map[VerbsPD]*softPD),
		cqs:      make(map[VerbsCQ]*softCQ),
		qps:      make(map[VerbsQP]*softQP),
		mrs:      make(map[VerbsMR]*softMR),
		lkeys:    make(map[uint32]*softMR),
		rkeys:    make(map[uint32]*softMR),
		nextKey:  rand.Uint32() | 1,
	}
	e.device = VerbsContext(e.allocHandle())

	return e
}

// allocHandle must be called with e.mu held or before the engine is shared.
func (e *engine) allocHandle() uintptr {
	e.nextHandle++
	return e.nextHandle
}

// allocKey returns a key that is neither zero nor in use. Keys come from a
// per-engine random sequence so a new session never sees a previous key.
func (e *engine) allocKey() uint32 {
	for {
		e.nextKey++
		k := e.nextKey
		if k == 0 {
			continue
		}
		if _, used := e.lkeys[k]; used {
			continue
		}
		if _, used := e.rkeys[k]; used {
			continue
		}

		return k
	}
}

// Event channels and identifiers

func (e *engine) CreateEventChannel() (EventChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrProviderClosed
	}

	ch := EventChannel(e.allocHandle())
	e.channels[ch] = &eventChannel{notify: make(chan struct{}, 1)}

	return ch, nil
}

func (e *engine) DestroyEventChannel(ch EventChannel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.channels[ch]
	if !ok {
		return fmt.Errorf("%w: event channel %d", ErrInvalidArgument, ch)
	}
	if c.ids > 0 {
		return fmt.Errorf("%w: event channel has %d identifiers", ErrResourceBusy, c.ids)
	}

	delete(e.channels, ch)

	return nil
}

func (e *engine) CreateID(ch EventChannel) (CMID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.newIDLocked(ch)
	if err != nil {
		return 0, err
	}

	return id.handle, nil
}

func (e *engine) newIDLocked(ch EventChannel) (*cmID, error) {
	if e.closed {
		return nil, ErrProviderClosed
	}

	c, ok := e.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: event channel %d", ErrInvalidArgument, ch)
	}

	id := &cmID{handle: CMID(e.allocHandle()), ch: ch}
	e.ids[id.handle] = id
	c.ids++

	return id, nil
}

func (e *engine) DestroyID(h CMID) error {
	e.mu.Lock()

	id, ok := e.ids[h]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: identifier %d", ErrInvalidArgument, h)
	}
	if id.qp != 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: identifier still owns queue pair %d", ErrResourceBusy, id.qp)
	}

	delete(e.ids, h)
	if c, ok := e.channels[id.ch]; ok {
		c.ids--
	}
	lnk := id.link
	id.link = nil
	hook := e.onDestroyID
	e.mu.Unlock()

	if lnk != nil {
		_ = lnk.close()
	}
	if hook != nil {
		hook(id)
	}

	return nil
}

func (e *engine) lookupID(h CMID) (*cmID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.ids[h]
	if !ok {
		return nil, fmt.Errorf("%w: identifier %d", ErrInvalidArgument, h)
	}

	return id, nil
}

func (e *engine) Verbs(h CMID) (VerbsContext, error) {
	id, err := e.lookupID(h)
	if err != nil {
		return 0, err
	}
	if id.verbs == 0 {
		return 0, fmt.Errorf("%w: identifier %d is not bound to a device", ErrContextNotFound, h)
	}

	return id.verbs, nil
}

// LocalAddr returns the address the identifier is bound to.
func (e *engine) LocalAddr(h CMID) (string, error) {
	id, err := e.lookupID(h)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return id.addr, nil
}

// postEvent queues ev on the channel of ev.ID. Events for identifiers that
// were destroyed in the meantime are dropped.
func (e *engine) postEvent(ev *CMEvent) {
	e.mu.Lock()
	target := ev.ListenID
	if ev.Type != CMEventConnectRequest {
		target = ev.ID
	}
	id, ok := e.ids[target]
	if !ok {
		e.mu.Unlock()
		return
	}
	ev.ch = id.ch
	c := e.channels[id.ch]
	e.mu.Unlock()

	if c == nil {
		return
	}

	metrics.RecordVerbsOp(opCMEvent, 1)
	c.push(ev)
}

func (c *eventChannel) push(ev *CMEvent) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *eventChannel) pop(ctx context.Context) (*CMEvent, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}

func (e *engine) GetEvent(ctx context.Context, ch EventChannel) (*CMEvent, error) {
	e.mu.Lock()
	c, ok := e.channels[ch]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: event channel %d", ErrInvalidArgument, ch)
	}

	return c.pop(ctx)
}

func (e *engine) AckEvent(ev *CMEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidArgument)
	}

	ev.Param.PrivateData = nil

	return nil
}

// Protection domains

func (e *engine) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx != e.device {
		return 0, ErrContextNotFound
	}

	pd := VerbsPD(e.allocHandle())
	e.pds[pd] = &softPD{}
	metrics.RecordVerbsOp(opAllocPD, 1)

	return pd, nil
}

func (e *engine) DeallocPD(pd VerbsPD) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pds[pd]
	if !ok {
		return ErrPDNotFound
	}
	if p.refs > 0 {
		return fmt.Errorf("%w: protection domain has %d dependents", ErrResourceBusy, p.refs)
	}

	delete(e.pds, pd)

	return nil
}

// Completion queues

func (e *engine) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx != e.device {
		return 0, ErrContextNotFound
	}
	if cqe <= 0 {
		return 0, fmt.Errorf("%w: cq depth %d", ErrInvalidArgument, cqe)
	}

	cq := VerbsCQ(e.allocHandle())
	e.cqs[cq] = &softCQ{depth: cqe}
	metrics.RecordVerbsOp(opCreateCQ, 1)

	return cq, nil
}

func (e *engine) DestroyCQ(cq VerbsCQ) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.cqs[cq]
	if !ok {
		return ErrCQNotFound
	}
	if c.refs > 0 {
		return fmt.Errorf("%w: completion queue has %d queue pairs", ErrResourceBusy, c.refs)
	}

	delete(e.cqs, cq)

	return nil
}

// PollCQ returns up to numEntries completions without blocking. Polling a
// completion retires every work request posted on its queue pair up to and
// including the completed one.
func (e *engine) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.cqs[cq]
	if !ok {
		return nil, ErrCQNotFound
	}
	if c.overflow {
		return nil, ErrCQOverrun
	}

	count := min(numEntries, len(c.entries))
	if count == 0 {
		return nil, nil
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, c.entries[:count])
	c.entries = c.entries[count:]

	for _, wc := range result {
		if wc.Opcode.isRecv() {
			continue
		}
		for _, qp := range e.qps {
			if qp.qpn == wc.QPN {
				qp.retire(wc.WRID)
				break
			}
		}
	}

	metrics.RecordVerbsOp(opCompletion, count)

	return result, nil
}

func (q *softQP) retire(wrid uint64) {
	for i, wr := range q.inflight {
		if wr.wrid == wrid {
			q.inflight = q.inflight[i+1:]
			return
		}
	}
}

// Queue pairs

func (e *engine) CreateQP(h CMID, pd VerbsPD, attr *VerbsQPInitAttr) (VerbsQP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.ids[h]
	if !ok {
		return 0, fmt.Errorf("%w: identifier %d", ErrInvalidArgument, h)
	}
	if id.qp != 0 {
		return 0, ErrQPExists
	}
	if id.verbs == 0 {
		return 0, ErrContextNotFound
	}
	if attr == nil || attr.Cap.MaxSendWR == 0 || attr.Cap.MaxSendSge == 0 {
		return 0, fmt.Errorf("%w: queue pair capabilities", ErrInvalidArgument)
	}

	p, ok := e.pds[pd]
	if !ok {
		return 0, ErrPDNotFound
	}
	scq, ok := e.cqs[attr.SendCQ]
	if !ok {
		return 0, ErrCQNotFound
	}
	rcq, ok := e.cqs[attr.RecvCQ]
	if !ok {
		return 0, ErrCQNotFound
	}

	handle := VerbsQP(e.allocHandle())
	qp := &softQP{
		handle: handle,
		id:     h,
		pd:     pd,
		sendCQ: attr.SendCQ,
		recvCQ: attr.RecvCQ,
		qpType: attr.QPType,
		cap:    attr.Cap,
		state:  QPStateInit,
		qpn:    uint32(handle) & 0xffffff, //nolint:gosec // G115: masked to 24 bits
	}
	e.qps[handle] = qp
	id.qp = handle
	p.refs++
	scq.refs++
	rcq.refs++

	if id.link != nil {
		qp.state = QPStateRTS
	}

	metrics.RecordVerbsOp(opCreateQP, 1)

	return handle, nil
}

func (e *engine) DestroyQP(h VerbsQP) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.qps[h]
	if !ok {
		return ErrQPNotFound
	}

	delete(e.qps, h)
	if id, ok := e.ids[qp.id]; ok && id.qp == h {
		id.qp = 0
	}
	if p, ok := e.pds[qp.pd]; ok {
		p.refs--
	}
	if c, ok := e.cqs[qp.sendCQ]; ok {
		c.refs--
	}
	if c, ok := e.cqs[qp.recvCQ]; ok {
		c.refs--
	}

	return nil
}

func (e *engine) QueryQP(h VerbsQP) (*VerbsQPAttr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.qps[h]
	if !ok {
		return nil, ErrQPNotFound
	}

	return &VerbsQPAttr{
		State:   qp.state,
		QPN:     qp.qpn,
		QPType:  qp.qpType,
		Cap:     qp.cap,
		Pending: len(qp.inflight),
	}, nil
}

// establish attaches lnk to the identifier and moves its queue pair to RTS.
func (e *engine) establish(h CMID, lnk link) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.ids[h]
	if !ok {
		return
	}

	id.link = lnk
	if qp, ok := e.qps[id.qp]; ok {
		qp.state = QPStateRTS
	}
}

// teardownLink detaches the identifier's link, moves its queue pair to the
// error state and flushes every outstanding work request.
func (e *engine) teardownLink(h CMID) link {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.ids[h]
	if !ok {
		return nil
	}

	lnk := id.link
	id.link = nil

	qp, ok := e.qps[id.qp]
	if !ok {
		return lnk
	}

	qp.state = QPStateError
	for i := range qp.inflight {
		wr := &qp.inflight[i]
		if wr.done {
			continue
		}
		wr.done = true
		e.pushCompletionLocked(qp.sendCQ, VerbsWorkCompletion{
			WRID:   wr.wrid,
			Status: WCWRFlushErr,
			Opcode: wcOpcode(wr.opcode),
			QPN:    qp.qpn,
		})
	}
	e.flushRecvsLocked(qp)

	return lnk
}

// flushRecvsLocked completes every posted receive of qp with a flush error.
func (e *engine) flushRecvsLocked(qp *softQP) {
	for _, wrid := range qp.recvs {
		e.pushCompletionLocked(qp.recvCQ, VerbsWorkCompletion{
			WRID:   wrid,
			Status: WCWRFlushErr,
			Opcode: WCOpRecv,
			QPN:    qp.qpn,
		})
	}
	qp.recvs = nil
}

// Memory regions

func (e *engine) RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pds[pd]
	if !ok {
		return 0, ErrPDNotFound
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if access&(MRAccessRemoteWrite) != 0 && access&MRAccessLocalWrite == 0 {
		return 0, fmt.Errorf("%w: remote write requires local write", ErrInvalidArgument)
	}

	mr := VerbsMR(e.allocHandle())
	m := &softMR{
		pd:     pd,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		access: access,
		lkey:   e.allocKey(),
	}
	e.lkeys[m.lkey] = m
	m.rkey = e.allocKey()
	e.rkeys[m.rkey] = m
	e.mrs[mr] = m
	p.refs++

	metrics.RecordVerbsOp(opRegMR, 1)

	return mr, nil
}

func (e *engine) QueryMR(mr VerbsMR) (*VerbsMRInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.mrs[mr]
	if !ok {
		return nil, ErrMRNotFound
	}

	return &VerbsMRInfo{
		Addr:   m.addr,
		Length: len(m.buf),
		Access: m.access,
		LKey:   m.lkey,
		RKey:   m.rkey,
	}, nil
}

func (e *engine) DeregMR(mr VerbsMR) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.mrs[mr]
	if !ok {
		return ErrMRNotFound
	}

	delete(e.mrs, mr)
	delete(e.lkeys, m.lkey)
	delete(e.rkeys, m.rkey)
	if p, ok := e.pds[m.pd]; ok {
		p.refs--
	}

	return nil
}

// slice returns the part of m covering [addr, addr+n), or false when the
// range falls outside the region.
func (m *softMR) slice(addr uint64, n int) ([]byte, bool) {
	if addr < m.addr || n < 0 {
		return nil, false
	}

	off := addr - m.addr
	if off > uint64(len(m.buf)) || uint64(n) > uint64(len(m.buf))-off {
		return nil, false
	}

	return m.buf[off : off+uint64(n)], true
}

// Work requests

func (e *engine) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	for ; wr != nil; wr = wr.Next {
		if err := e.postOne(qp, wr); err != nil {
			return err
		}
	}

	return nil
}

func (e *engine) postOne(h VerbsQP, wr *VerbsSendWR) error {
	e.mu.Lock()

	qp, ok := e.qps[h]
	if !ok {
		e.mu.Unlock()
		return ErrQPNotFound
	}
	if qp.state != QPStateRTS {
		e.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrQPNotConnected, qp.state)
	}
	if wr.Opcode != WROpRDMAWrite && wr.Opcode != WROpRDMARead && wr.Opcode != WROpRDMAWriteImm {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidOpcode, wr.Opcode)
	}
	if len(wr.SGList) == 0 || len(wr.SGList) > int(qp.cap.MaxSendSge) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d entries, limit %d", ErrInvalidSGE, len(wr.SGList), qp.cap.MaxSendSge)
	}
	if len(qp.inflight) >= int(qp.cap.MaxSendWR) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d outstanding", ErrSendQueueFull, len(qp.inflight))
	}

	id := e.ids[qp.id]
	var lnk link
	if id != nil {
		lnk = id.link
	}
	if lnk == nil {
		e.mu.Unlock()
		return ErrQPNotConnected
	}

	var total uint64
	for _, sge := range wr.SGList {
		total += uint64(sge.Length)
	}
	if total > MaxMessageSize {
		e.mu.Unlock()
		return fmt.Errorf("%w: message of %d bytes exceeds %d", ErrInvalidSGE, total, MaxMessageSize)
	}

	qp.inflight = append(qp.inflight, inflightWR{
		wrid:     wr.WRID,
		opcode:   wr.Opcode,
		length:   uint32(total), //nolint:gosec // G115: bounded by MaxMessageSize
		signaled: wr.Signaled(),
	})

	segs, status := e.localSegmentsLocked(qp, wr)
	if status != WCSuccess {
		e.completeLocked(qp, wr.WRID, status)
		e.mu.Unlock()
		metrics.RecordVerbsError()

		return nil
	}

	op := linkOp{
		opcode:     wr.Opcode,
		wrid:       wr.WRID,
		remoteAddr: wr.RemoteAddr,
		rkey:       wr.RKey,
		length:     int(total),
		imm:        wr.ImmData,
		signaled:   wr.Signaled(),
	}
	counted := opRead
	switch wr.Opcode {
	case WROpRDMAWrite:
		op.data = gather(segs, int(total))
		counted = opWrite
	case WROpRDMAWriteImm:
		op.data = gather(segs, int(total))
		counted = opWriteImm
	}
	e.mu.Unlock()

	metrics.RecordVerbsOp(counted, 1)

	wrid := wr.WRID
	err := lnk.post(op, func(status WCStatus, data []byte) {
		e.mu.Lock()
		defer e.mu.Unlock()

		if status == WCSuccess && op.opcode == WROpRDMARead {
			scatter(segs, data)
		}
		if q, ok := e.qps[h]; ok {
			e.completeLocked(q, wrid, status)
		}
	})
	if err != nil {
		e.mu.Lock()
		qp.drop(wrid)
		e.mu.Unlock()
		metrics.RecordVerbsError()

		return fmt.Errorf("post %s: %w", wcOpcode(op.opcode), err)
	}

	return nil
}

// localSegmentsLocked resolves the scatter/gather list against the local
// key table.
func (e *engine) localSegmentsLocked(qp *softQP, wr *VerbsSendWR) ([][]byte, WCStatus) {
	segs := make([][]byte, 0, len(wr.SGList))
	for _, sge := range wr.SGList {
		m, ok := e.lkeys[sge.LKey]
		if !ok || m.pd != qp.pd {
			return nil, WCLocalProtErr
		}
		if wr.Opcode == WROpRDMARead && m.access&MRAccessLocalWrite == 0 {
			return nil, WCLocalProtErr
		}

		b, ok := m.slice(sge.Addr, int(sge.Length))
		if !ok {
			return nil, WCLocalLenErr
		}
		segs = append(segs, b)
	}

	return segs, WCSuccess
}

// completeLocked marks wrid and every earlier request on qp as finished and
// queues a completion when the request was signaled or failed.
func (e *engine) completeLocked(qp *softQP, wrid uint64, status WCStatus) {
	idx := -1
	for i := range qp.inflight {
		if qp.inflight[i].wrid == wrid && !qp.inflight[i].done {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	wr := &qp.inflight[idx]
	if status == WCSuccess {
		for i := 0; i <= idx; i++ {
			qp.inflight[i].done = true
		}
	} else {
		wr.done = true
		qp.state = QPStateError
	}

	if !wr.signaled && status == WCSuccess {
		return
	}

	e.pushCompletionLocked(qp.sendCQ, VerbsWorkCompletion{
		WRID:    wrid,
		Status:  status,
		Opcode:  wcOpcode(wr.opcode),
		ByteLen: wr.length,
		QPN:     qp.qpn,
	})
}

func (e *engine) pushCompletionLocked(h VerbsCQ, wc VerbsWorkCompletion) {
	cq, ok := e.cqs[h]
	if !ok {
		return
	}
	if len(cq.entries) >= cq.depth {
		cq.overflow = true
		return
	}

	cq.entries = append(cq.entries, wc)
}

func (q *softQP) drop(wrid uint64) {
	for i := len(q.inflight) - 1; i >= 0; i-- {
		if q.inflight[i].wrid == wrid {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return
		}
	}
}

// PostRecv queues receive work requests on qp. Receives may be posted
// before the connection is established; they are consumed in order by
// incoming writes with immediate data.
func (e *engine) PostRecv(h VerbsQP, wr *VerbsRecvWR) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.qps[h]
	if !ok {
		return ErrQPNotFound
	}

	for ; wr != nil; wr = wr.Next {
		if qp.state == QPStateReset || qp.state == QPStateError {
			return fmt.Errorf("%w: state %s", ErrQPNotConnected, qp.state)
		}
		if len(wr.SGList) > int(qp.cap.MaxRecvSge) {
			return fmt.Errorf("%w: %d entries, limit %d", ErrInvalidSGE, len(wr.SGList), qp.cap.MaxRecvSge)
		}
		for _, sge := range wr.SGList {
			m, ok := e.lkeys[sge.LKey]
			if !ok || m.pd != qp.pd || m.access&MRAccessLocalWrite == 0 {
				return fmt.Errorf("%w: lkey %#x", ErrInvalidSGE, sge.LKey)
			}
			if _, ok := m.slice(sge.Addr, int(sge.Length)); !ok {
				return fmt.Errorf("%w: %d bytes at %#x", ErrInvalidSGE, sge.Length, sge.Addr)
			}
		}
		if len(qp.recvs) >= int(qp.cap.MaxRecvWR) {
			return fmt.Errorf("%w: %d outstanding", ErrRecvQueueFull, len(qp.recvs))
		}

		qp.recvs = append(qp.recvs, wr.WRID)
		metrics.RecordVerbsOp(opPostRecv, 1)
	}

	return nil
}

// responderQPLocked returns the connected queue pair of identifier h.
func (e *engine) responderQPLocked(h CMID) (*softQP, bool) {
	id, ok := e.ids[h]
	if !ok {
		return nil, false
	}
	qp, ok := e.qps[id.qp]
	if !ok || qp.state != QPStateRTS {
		return nil, false
	}

	return qp, true
}

// remoteAccessLocked resolves a one-sided operation arriving on qp against
// the responder's key table. The returned slice aliases registered memory
// and must only be used with e.mu held.
func (e *engine) remoteAccessLocked(qp *softQP, rkey uint32, addr uint64, n int, need int) ([]byte, WCStatus) {
	m, ok := e.rkeys[rkey]
	if !ok || m.pd != qp.pd || m.access&need == 0 {
		return nil, WCRemoteAccessErr
	}

	b, ok := m.slice(addr, n)
	if !ok {
		return nil, WCRemoteAccessErr
	}

	return b, WCSuccess
}

// remoteWrite applies an incoming write to registered memory.
func (e *engine) remoteWrite(h CMID, rkey uint32, addr uint64, data []byte) WCStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.responderQPLocked(h)
	if !ok {
		metrics.RecordVerbsError()
		return WCRemoteOpErr
	}

	dst, status := e.remoteAccessLocked(qp, rkey, addr, len(data), MRAccessRemoteWrite)
	if status != WCSuccess {
		metrics.RecordVerbsError()
		return status
	}

	copy(dst, data)

	return WCSuccess
}

// remoteWriteImm applies an incoming write with immediate data. It consumes
// the oldest posted receive and completes it on the receive queue. Without
// a posted receive the write is refused and nothing is placed.
func (e *engine) remoteWriteImm(h CMID, rkey uint32, addr uint64, data []byte, imm uint32) WCStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.responderQPLocked(h)
	if !ok {
		metrics.RecordVerbsError()
		return WCRemoteOpErr
	}

	// A zero-length write carries only the immediate and touches no memory.
	var dst []byte
	if len(data) > 0 {
		var status WCStatus
		if dst, status = e.remoteAccessLocked(qp, rkey, addr, len(data), MRAccessRemoteWrite); status != WCSuccess {
			metrics.RecordVerbsError()
			return status
		}
	}

	if len(qp.recvs) == 0 {
		metrics.RecordVerbsError()
		return WCRNRRetryExcErr
	}
	wrid := qp.recvs[0]
	qp.recvs = qp.recvs[1:]

	copy(dst, data)

	e.pushCompletionLocked(qp.recvCQ, VerbsWorkCompletion{
		WRID:    wrid,
		Status:  WCSuccess,
		Opcode:  WCOpRecvRDMAWithImm,
		ByteLen: uint32(len(data)), //nolint:gosec // G115: bounded by MaxMessageSize
		QPN:     qp.qpn,
		Flags:   WCFlagWithImm,
		ImmData: imm,
	})

	return WCSuccess
}

// remoteRead returns a copy of n bytes of registered memory.
func (e *engine) remoteRead(h CMID, rkey uint32, addr uint64, n int) ([]byte, WCStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	qp, ok := e.responderQPLocked(h)
	if !ok {
		metrics.RecordVerbsError()
		return nil, WCRemoteOpErr
	}

	src, status := e.remoteAccessLocked(qp, rkey, addr, n, MRAccessRemoteRead)
	if status != WCSuccess {
		metrics.RecordVerbsError()
		return nil, status
	}

	out := make([]byte, n)
	copy(out, src)

	return out, WCSuccess
}

func gather(segs [][]byte, total int) []byte {
	if len(segs) == 1 {
		out := make([]byte, len(segs[0]))
		copy(out, segs[0])

		return out
	}

	out := make([]byte, 0, total)
	for _, s := range segs {
		out = append(out, s...)
	}

	return out
}

func scatter(segs [][]byte, data []byte) {
	for _, s := range segs {
		n := copy(s, data)
		data = data[n:]
	}
}

func wcOpcode(op int) WCOpcode {
	if op == WROpRDMARead {
		return WCOpRDMARead
	}

	return WCOpRDMAWrite
}

func (e *engine) shutdown() []link {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	var links []link
	for _, id := range e.ids {
		if id.link != nil {
			links = append(links, id.link)
			id.link = nil
		}
	}

	return links
}
