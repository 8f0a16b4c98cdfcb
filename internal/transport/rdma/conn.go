package rdma

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmaxfer/internal/metrics"
	"github.com/piwi3910/rdmaxfer/internal/shutdown"
)

// Connection errors.
var (
	ErrUnexpectedEvent = errors.New("unexpected connection manager event")
	ErrInvalidState    = errors.New("operation not valid in connection state")
)

// UnexpectedEventError reports an event that does not match the one the
// state machine was waiting for.
type UnexpectedEventError struct {
	Got    CMEventType
	Want   []CMEventType
	Status int
}

func (e *UnexpectedEventError) Error() string {
	want := make([]string, len(e.Want))
	for i, w := range e.Want {
		want[i] = w.String()
	}

	return fmt.Sprintf("%s: got %s (status %d), want %s",
		ErrUnexpectedEvent, e.Got, e.Status, strings.Join(want, " or "))
}

func (e *UnexpectedEventError) Is(target error) bool {
	return target == ErrUnexpectedEvent
}

// Role is the side of the handshake a connection plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}

	return "initiator"
}

// State is a connection state.
type State int

const (
	StateIdle State = iota
	StateAddressResolving
	StateRouteResolving
	StateConnecting
	StateListening
	StateAwaitingPeerRequest
	StateHandshaking
	StateEstablished
	StateDisconnected
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateAddressResolving:    "address_resolving",
	StateRouteResolving:      "route_resolving",
	StateConnecting:          "connecting",
	StateListening:           "listening",
	StateAwaitingPeerRequest: "awaiting_peer_request",
	StateHandshaking:         "handshaking",
	StateEstablished:         "established",
	StateDisconnected:        "disconnected",
	StateFailed:              "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ConnConfig holds the queue sizes, credits and timeouts of a connection.
type ConnConfig struct {
	CQDepth            int
	MaxSendWR          int
	MaxRecvWR          int
	MaxSGE             int
	InitiatorDepth     uint8
	ResponderResources uint8
	ResolveTimeout     time.Duration
	SourceAddr         string
	Backlog            int
	Allocator          Allocator
	Teardown           shutdown.Config
}

// DefaultConnConfig returns conservative defaults suited to low-capability
// fabrics: zero read credits and a single scatter/gather entry.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		CQDepth:        256,
		MaxSendWR:      128,
		MaxRecvWR:      128,
		MaxSGE:         1,
		ResolveTimeout: 2 * time.Second,
		Backlog:        1,
		Teardown:       shutdown.DefaultConfig(),
	}
}

// Conn is one connection-manager connection and the verbs objects built on
// it. A Conn is driven by a single goroutine.
type Conn struct {
	p      Provider
	cfg    ConnConfig
	role   Role
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	ch       EventChannel
	id       CMID
	listenID CMID
	pd       VerbsPD
	cq       VerbsCQ
	qp       VerbsQP
	res      *ResourceSet
	peer     ConnParam
	started  time.Time
	seq      *shutdown.Sequencer
}

// NewConn creates an idle connection for role on provider p.
func NewConn(p Provider, role Role, cfg ConnConfig, logger zerolog.Logger) *Conn {
	return &Conn{
		p:      p,
		cfg:    cfg,
		role:   role,
		logger: logger.With().Str("role", role.String()).Str("fabric", p.Name()).Logger(),
	}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Role returns the connection's role.
func (c *Conn) Role() Role {
	return c.role
}

// PeerData returns the private data received during the handshake.
func (c *Conn) PeerData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer.PrivateData
}

// PeerParam returns the handshake parameters sent by the peer.
func (c *Conn) PeerParam() ConnParam {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer
}

// Resources returns the resource set bound to the connection's protection
// domain, or nil before the queue pair is built.
func (c *Conn) Resources() *ResourceSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.res
}

// LocalAddr returns the address of the listener, or the source address of
// an initiator.
func (c *Conn) LocalAddr() (string, error) {
	c.mu.Lock()
	h := c.listenID
	if h == 0 {
		h = c.id
	}
	c.mu.Unlock()

	if h == 0 {
		return "", fmt.Errorf("local address: %w %s", ErrInvalidState, c.State())
	}

	return c.p.LocalAddr(h)
}

// QP returns the queue pair handle, zero before BuildQP.
func (c *Conn) QP() VerbsQP {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.qp
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Connection state transition")
}

func (c *Conn) expectState(op string, allowed ...State) error {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	if !slices.Contains(allowed, s) {
		return fmt.Errorf("%s: %w %s", op, ErrInvalidState, s)
	}

	return nil
}

// fail moves the connection to StateFailed and records the handshake
// failure unless the connection had been established.
func (c *Conn) fail(err error) error {
	c.mu.Lock()
	established := c.state == StateEstablished || c.state == StateDisconnected
	c.state = StateFailed
	c.mu.Unlock()

	if !established {
		metrics.RecordHandshake(c.role.String(), 0, err)
	}

	return err
}

func (c *Conn) open() error {
	ch, err := c.p.CreateEventChannel()
	if err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}

	id, err := c.p.CreateID(ch)
	if err != nil {
		_ = c.p.DestroyEventChannel(ch)
		return fmt.Errorf("create identifier: %w", err)
	}

	c.mu.Lock()
	c.ch = ch
	c.id = id
	c.started = time.Now()
	c.mu.Unlock()

	return nil
}

// waitEvent blocks for the next event on the channel and fails unless it
// is one of want. Private data is copied before the event is acknowledged.
func (c *Conn) waitEvent(ctx context.Context, want ...CMEventType) (*CMEvent, error) {
	ev, err := c.p.GetEvent(ctx, c.ch)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", want[0], err)
	}

	got := *ev
	got.Param = copyParam(&ev.Param)

	if err := c.p.AckEvent(ev); err != nil {
		c.logger.Warn().Err(err).Str("event", got.Type.String()).Msg("Failed to acknowledge CM event")
	}

	if !slices.Contains(want, got.Type) {
		uerr := &UnexpectedEventError{Got: got.Type, Want: want, Status: got.Status}

		wantNames := make([]string, len(want))
		for i, w := range want {
			wantNames[i] = w.String()
		}
		c.logger.Error().
			Str("got", got.Type.String()).
			Strs("want", wantNames).
			Int("status", got.Status).
			Msg("Unexpected CM event")

		return nil, uerr
	}

	c.logger.Debug().Str("event", got.Type.String()).Int("status", got.Status).Msg("CM event")

	return &got, nil
}

// ResolveAddress starts the initiator path and waits for ADDR_RESOLVED.
func (c *Conn) ResolveAddress(ctx context.Context, target string) error {
	if err := c.expectState("resolve address", StateIdle); err != nil {
		return err
	}

	if err := c.open(); err != nil {
		return c.fail(err)
	}

	c.setState(StateAddressResolving)

	if err := c.p.ResolveAddr(c.id, c.cfg.SourceAddr, target, c.cfg.ResolveTimeout); err != nil {
		return c.fail(fmt.Errorf("resolve address %s: %w", target, err))
	}

	if _, err := c.waitEvent(ctx, CMEventAddrResolved); err != nil {
		return c.fail(err)
	}

	return nil
}

// ResolveRoute waits for ROUTE_RESOLVED after a resolved address.
func (c *Conn) ResolveRoute(ctx context.Context) error {
	if err := c.expectState("resolve route", StateAddressResolving); err != nil {
		return err
	}

	c.setState(StateRouteResolving)

	if err := c.p.ResolveRoute(c.id, c.cfg.ResolveTimeout); err != nil {
		return c.fail(fmt.Errorf("resolve route: %w", err))
	}

	if _, err := c.waitEvent(ctx, CMEventRouteResolved); err != nil {
		return c.fail(err)
	}

	return nil
}

// BuildQP allocates the protection domain, one completion queue shared for
// send and receive, and the queue pair. Calling it again is a no-op.
func (c *Conn) BuildQP() error {
	c.mu.Lock()
	if c.qp != 0 {
		c.mu.Unlock()
		return nil
	}
	id := c.id
	c.mu.Unlock()

	vctx, err := c.p.Verbs(id)
	if err != nil {
		return fmt.Errorf("build qp: %w", err)
	}

	pd, err := c.p.AllocPD(vctx)
	if err != nil {
		return fmt.Errorf("allocate protection domain: %w", err)
	}

	c.mu.Lock()
	c.pd = pd
	c.res = NewResourceSet(c.p, pd, c.cfg.Allocator)
	c.mu.Unlock()

	cq, err := c.p.CreateCQ(vctx, c.cfg.CQDepth)
	if err != nil {
		return fmt.Errorf("create completion queue: %w", err)
	}

	c.mu.Lock()
	c.cq = cq
	c.mu.Unlock()

	qp, err := c.p.CreateQP(id, pd, &VerbsQPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		QPType: QPTypeRC,
		Cap: VerbsQPCap{
			MaxSendWR:  uint32(c.cfg.MaxSendWR), //nolint:gosec // G115: validated by config
			MaxRecvWR:  uint32(c.cfg.MaxRecvWR), //nolint:gosec // G115: validated by config
			MaxSendSge: uint32(c.cfg.MaxSGE),    //nolint:gosec // G115: validated by config
			MaxRecvSge: uint32(c.cfg.MaxSGE),    //nolint:gosec // G115: validated by config
		},
	})
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}

	c.mu.Lock()
	c.qp = qp
	c.mu.Unlock()

	c.logger.Debug().Int("cq_depth", c.cfg.CQDepth).Int("max_send_wr", c.cfg.MaxSendWR).Msg("Queue pair built")

	return nil
}

func (c *Conn) param(privateData []byte) *ConnParam {
	return &ConnParam{
		PrivateData:        privateData,
		InitiatorDepth:     c.cfg.InitiatorDepth,
		ResponderResources: c.cfg.ResponderResources,
		RetryCount:         7,
		RNRRetryCount:      7,
	}
}

// Connect sends a connect request carrying privateData and waits until the
// connection is established. It returns the acceptor's private data.
//
// Both ESTABLISHED and CONNECT_RESPONSE followed by ESTABLISHED complete
// the handshake; the private data comes from whichever event carries it.
func (c *Conn) Connect(ctx context.Context, privateData []byte) ([]byte, error) {
	if err := c.expectState("connect", StateRouteResolving); err != nil {
		return nil, err
	}

	if err := c.BuildQP(); err != nil {
		return nil, c.fail(err)
	}

	c.setState(StateConnecting)

	if err := c.p.Connect(c.id, c.param(privateData)); err != nil {
		return nil, c.fail(fmt.Errorf("connect: %w", err))
	}

	first, err := c.waitEvent(ctx, CMEventEstablished, CMEventConnectResponse)
	if err != nil {
		return nil, c.fail(err)
	}

	peer := first.Param
	if first.Type == CMEventConnectResponse {
		second, err := c.waitEvent(ctx, CMEventEstablished)
		if err != nil {
			return nil, c.fail(err)
		}
		if len(peer.PrivateData) == 0 {
			peer = second.Param
		}
	}

	c.established(peer)

	return peer.PrivateData, nil
}

// Establish runs the whole initiator path: address, route and connect.
func (c *Conn) Establish(ctx context.Context, target string, privateData []byte) ([]byte, error) {
	if err := c.ResolveAddress(ctx, target); err != nil {
		return nil, err
	}

	if err := c.ResolveRoute(ctx); err != nil {
		return nil, err
	}

	return c.Connect(ctx, privateData)
}

func (c *Conn) established(peer ConnParam) {
	c.mu.Lock()
	c.peer = peer
	started := c.started
	c.mu.Unlock()

	c.setState(StateEstablished)

	elapsed := time.Since(started)
	metrics.RecordHandshake(c.role.String(), elapsed, nil)

	c.logger.Info().
		Dur("handshake", elapsed).
		Int("peer_private_data", len(peer.PrivateData)).
		Msg("Connection established")
}

// Listen binds the acceptor to addr (host:port).
func (c *Conn) Listen(addr string) error {
	if err := c.expectState("listen", StateIdle); err != nil {
		return err
	}

	if err := c.open(); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.listenID = c.id
	c.id = 0
	c.mu.Unlock()

	if err := c.p.Listen(c.listenID, addr, c.cfg.Backlog); err != nil {
		return c.fail(fmt.Errorf("listen %s: %w", addr, err))
	}

	c.setState(StateListening)

	return nil
}

// AwaitPeerRequest waits for CONNECT_REQUEST and adopts the new
// identifier. It returns the initiator's private data.
func (c *Conn) AwaitPeerRequest(ctx context.Context) ([]byte, error) {
	if err := c.expectState("await peer request", StateListening); err != nil {
		return nil, err
	}

	ev, err := c.waitEvent(ctx, CMEventConnectRequest)
	if err != nil {
		return nil, c.fail(err)
	}

	c.mu.Lock()
	c.id = ev.ID
	c.peer = ev.Param
	c.started = time.Now()
	c.mu.Unlock()

	c.setState(StateAwaitingPeerRequest)

	c.logger.Info().
		Uint8("initiator_depth", ev.Param.InitiatorDepth).
		Uint8("responder_resources", ev.Param.ResponderResources).
		Msg("Connect request received")

	return ev.Param.PrivateData, nil
}

// Accept answers the pending connect request with privateData and waits
// for ESTABLISHED. The local credits are sent, not the peer's.
func (c *Conn) Accept(ctx context.Context, privateData []byte) error {
	if err := c.expectState("accept", StateAwaitingPeerRequest); err != nil {
		return err
	}

	if err := c.BuildQP(); err != nil {
		return c.fail(err)
	}

	c.setState(StateHandshaking)

	if err := c.p.Accept(c.id, c.param(privateData)); err != nil {
		return c.fail(fmt.Errorf("accept: %w", err))
	}

	if _, err := c.waitEvent(ctx, CMEventEstablished); err != nil {
		return c.fail(err)
	}

	c.established(c.PeerParam())

	return nil
}

// AwaitDisconnect blocks until the peer disconnects. Other events
// arriving in the meantime are acknowledged and ignored.
func (c *Conn) AwaitDisconnect(ctx context.Context) error {
	if err := c.expectState("await disconnect", StateEstablished); err != nil {
		return err
	}

	for {
		ev, err := c.p.GetEvent(ctx, c.ch)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", CMEventDisconnected, err)
		}

		typ := ev.Type
		if err := c.p.AckEvent(ev); err != nil {
			c.logger.Warn().Err(err).Str("event", typ.String()).Msg("Failed to acknowledge CM event")
		}

		if typ == CMEventDisconnected {
			break
		}

		c.logger.Debug().Str("event", typ.String()).Msg("Ignoring CM event while waiting for disconnect")
	}

	c.setState(StateDisconnected)

	return nil
}

// PostSend posts wr on the connection's queue pair.
func (c *Conn) PostSend(wr *VerbsSendWR) error {
	c.mu.Lock()
	qp := c.qp
	c.mu.Unlock()

	if qp == 0 {
		return ErrQPNotFound
	}

	return c.p.PostSend(qp, wr)
}

// PostRecv posts wr on the connection's receive queue. Receives complete
// on the same completion queue as sends.
func (c *Conn) PostRecv(wr *VerbsRecvWR) error {
	c.mu.Lock()
	qp := c.qp
	c.mu.Unlock()

	if qp == 0 {
		return ErrQPNotFound
	}

	return c.p.PostRecv(qp, wr)
}

// PollCQ polls the connection's completion queue. It fails before the
// queue pair exists.
func (c *Conn) PollCQ(n int) ([]VerbsWorkCompletion, error) {
	c.mu.Lock()
	qp, cq := c.qp, c.cq
	c.mu.Unlock()

	if qp == 0 {
		return nil, ErrQPNotFound
	}

	return c.p.PollCQ(cq, n)
}

// Close tears the connection down in order: disconnect, deregister
// buffers, destroy the queue pair, the completion queue, the protection
// domain, the identifiers and the event channel. Only the first call does
// any work; steps whose resource was never acquired are skipped.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.seq == nil {
		c.seq = c.newSequencer()
	}
	seq := c.seq
	c.mu.Unlock()

	return seq.Run(ctx)
}

func (c *Conn) newSequencer() *shutdown.Sequencer {
	seq := shutdown.NewSequencer(c.cfg.Teardown)

	seq.RegisterHook(shutdown.PhaseDisconnect, "connection", func(context.Context) error {
		c.mu.Lock()
		state, id := c.state, c.id
		c.mu.Unlock()

		if state != StateEstablished || id == 0 {
			return nil
		}

		if err := c.p.Disconnect(id); err != nil && !errors.Is(err, ErrQPNotConnected) {
			return err
		}
		c.setState(StateDisconnected)

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDeregister, "buffers", func(context.Context) error {
		c.mu.Lock()
		res := c.res
		c.mu.Unlock()

		if res == nil {
			return nil
		}

		return res.Release()
	})

	seq.RegisterHook(shutdown.PhaseDestroyQP, "qp", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.qp == 0 {
			return nil
		}
		if err := c.p.DestroyQP(c.qp); err != nil {
			return err
		}
		c.qp = 0

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDestroyCQ, "cq", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.cq == 0 {
			return nil
		}
		if err := c.p.DestroyCQ(c.cq); err != nil {
			return err
		}
		c.cq = 0

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDeallocPD, "pd", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.pd == 0 {
			return nil
		}
		if err := c.p.DeallocPD(c.pd); err != nil {
			return err
		}
		c.pd = 0

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDestroyID, "connection", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.id == 0 {
			return nil
		}
		if err := c.p.DestroyID(c.id); err != nil {
			return err
		}
		c.id = 0

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDestroyID, "listener", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.listenID == 0 {
			return nil
		}
		if err := c.p.DestroyID(c.listenID); err != nil {
			return err
		}
		c.listenID = 0

		return nil
	})

	seq.RegisterHook(shutdown.PhaseDestroyChannel, "events", func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.ch == 0 {
			return nil
		}
		if err := c.p.DestroyEventChannel(c.ch); err != nil {
			return err
		}
		c.ch = 0

		return nil
	})

	return seq
}
