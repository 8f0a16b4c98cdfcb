package rdma

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandshakeStyle selects which event sequence an initiator sees when its
// connect request is accepted.
type HandshakeStyle int

const (
	// EstablishedOnly delivers a single ESTABLISHED event carrying the
	// acceptor's private data.
	EstablishedOnly HandshakeStyle = iota
	// ResponseThenEstablished delivers CONNECT_RESPONSE with the private
	// data followed by ESTABLISHED.
	ResponseThenEstablished
)

func (s HandshakeStyle) String() string {
	if s == ResponseThenEstablished {
		return "response-then-established"
	}

	return "established-only"
}

// Status codes carried by failure events.
const (
	StatusConnRefused  = 111
	StatusHostUnreach  = 113
	StatusInvalidInput = 22
)

// SimFabric is an in-process network. Providers created from the same
// fabric can reach each other's listeners by host:port.
type SimFabric struct {
	mu        sync.Mutex
	listeners map[string]simListener
	style     HandshakeStyle
}

type simListener struct {
	p  *SimProvider
	id CMID
}

// SimOption configures a SimFabric.
type SimOption func(*SimFabric)

// WithHandshakeStyle sets the event sequence seen by initiators.
func WithHandshakeStyle(s HandshakeStyle) SimOption {
	return func(f *SimFabric) {
		f.style = s
	}
}

// NewSimFabric creates an empty in-process fabric.
func NewSimFabric(opts ...SimOption) *SimFabric {
	f := &SimFabric{listeners: make(map[string]simListener)}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// NewProvider returns a provider attached to the fabric. Each provider has
// its own device, key space and handle tables.
func (f *SimFabric) NewProvider() *SimProvider {
	p := &SimProvider{engine: newEngine(), fabric: f}
	p.onDestroyID = p.releaseID

	return p
}

// SimProvider is the in-process Provider.
type SimProvider struct {
	*engine
	fabric *SimFabric
}

// simPeer is the provider state of a connecting or connected identifier.
type simPeer struct {
	remote   *SimProvider
	remoteID CMID
	request  ConnParam
}

// simLink performs one-sided operations synchronously against the peer's
// registered memory.
type simLink struct {
	remote   *SimProvider
	remoteID CMID
	mu       sync.Mutex
	closed   bool
}

func (l *simLink) post(op linkOp, done func(WCStatus, []byte)) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrQPNotConnected
	}

	switch op.opcode {
	case WROpRDMAWrite:
		done(l.remote.remoteWrite(l.remoteID, op.rkey, op.remoteAddr, op.data), nil)
	case WROpRDMAWriteImm:
		done(l.remote.remoteWriteImm(l.remoteID, op.rkey, op.remoteAddr, op.data, op.imm), nil)
	case WROpRDMARead:
		data, status := l.remote.remoteRead(l.remoteID, op.rkey, op.remoteAddr, op.length)
		done(status, data)
	}

	return nil
}

func (l *simLink) close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	return nil
}

// Name returns the fabric name.
func (p *SimProvider) Name() string {
	return "sim"
}

// Close releases listeners and connections owned by the provider.
func (p *SimProvider) Close() error {
	p.fabric.mu.Lock()
	for addr, l := range p.fabric.listeners {
		if l.p == p {
			delete(p.fabric.listeners, addr)
		}
	}
	p.fabric.mu.Unlock()

	for _, l := range p.shutdown() {
		_ = l.close()
	}

	return nil
}

func normalizeAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "*"
	}

	return net.JoinHostPort(host, port), nil
}

// ResolveAddr binds the identifier to the provider's device. The target
// must be host:port.
func (p *SimProvider) ResolveAddr(h CMID, src, dst string, _ time.Duration) error {
	p.mu.Lock()
	id, ok := p.ids[h]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: identifier %d", ErrInvalidArgument, h)
	}
	p.mu.Unlock()

	key, err := normalizeAddr(dst)
	if err != nil {
		p.postEvent(&CMEvent{Type: CMEventAddrError, Status: StatusInvalidInput, ID: h})
		return nil
	}

	p.mu.Lock()
	id.verbs = p.device
	id.peerAddr = key
	id.addr = src
	p.mu.Unlock()

	p.postEvent(&CMEvent{Type: CMEventAddrResolved, ID: h})

	return nil
}

// ResolveRoute always succeeds for a resolved identifier.
func (p *SimProvider) ResolveRoute(h CMID, _ time.Duration) error {
	id, err := p.lookupID(h)
	if err != nil {
		return err
	}
	if id.verbs == 0 {
		p.postEvent(&CMEvent{Type: CMEventRouteError, Status: StatusInvalidInput, ID: h})
		return nil
	}

	p.postEvent(&CMEvent{Type: CMEventRouteResolved, ID: h})

	return nil
}

// Listen registers the identifier under addr in the fabric.
func (p *SimProvider) Listen(h CMID, addr string, _ int) error {
	key, err := normalizeAddr(addr)
	if err != nil {
		return err
	}

	id, err := p.lookupID(h)
	if err != nil {
		return err
	}

	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()

	if _, busy := p.fabric.listeners[key]; busy {
		return fmt.Errorf("listen %s: address in use", key)
	}
	p.fabric.listeners[key] = simListener{p: p, id: h}

	p.mu.Lock()
	id.addr = key
	id.verbs = p.device
	p.mu.Unlock()

	log.Debug().Str("fabric", "sim").Str("addr", key).Msg("Listening")

	return nil
}

func (f *SimFabric) lookup(key string) (simListener, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.listeners[key]; ok {
		return l, true
	}

	host, port, _ := net.SplitHostPort(key)
	if host != "*" {
		l, ok := f.listeners[net.JoinHostPort("*", port)]
		return l, ok
	}

	return simListener{}, false
}

// Connect delivers a CONNECT_REQUEST to the listener registered for the
// resolved address, or UNREACHABLE when there is none.
func (p *SimProvider) Connect(h CMID, param *ConnParam) error {
	if err := validatePrivateData(param); err != nil {
		return err
	}

	id, err := p.lookupID(h)
	if err != nil {
		return err
	}
	if id.qp == 0 {
		return fmt.Errorf("connect: %w", ErrQPNotFound)
	}

	l, ok := p.fabric.lookup(id.peerAddr)
	if !ok {
		p.postEvent(&CMEvent{Type: CMEventUnreachable, Status: StatusConnRefused, ID: h})
		return nil
	}

	req := copyParam(param)

	l.p.mu.Lock()
	listener, ok := l.p.ids[l.id]
	if !ok {
		l.p.mu.Unlock()
		p.postEvent(&CMEvent{Type: CMEventUnreachable, Status: StatusConnRefused, ID: h})

		return nil
	}
	child, err := l.p.newIDLocked(listener.ch)
	if err != nil {
		l.p.mu.Unlock()
		return err
	}
	child.verbs = l.p.device
	child.addr = listener.addr
	child.ext = &simPeer{remote: p, remoteID: h, request: req}
	l.p.mu.Unlock()

	p.mu.Lock()
	id.ext = &simPeer{remote: l.p, remoteID: child.handle}
	p.mu.Unlock()

	l.p.postEvent(&CMEvent{
		Type:     CMEventConnectRequest,
		ID:       child.handle,
		ListenID: l.id,
		Param:    copyParam(&req),
	})

	return nil
}

// Accept completes the handshake for a connect request: the initiator sees
// the fabric's handshake style, the acceptor sees ESTABLISHED.
func (p *SimProvider) Accept(h CMID, param *ConnParam) error {
	if err := validatePrivateData(param); err != nil {
		return err
	}

	id, err := p.lookupID(h)
	if err != nil {
		return err
	}
	if id.qp == 0 {
		return fmt.Errorf("accept: %w", ErrQPNotFound)
	}

	peer, ok := id.ext.(*simPeer)
	if !ok {
		return fmt.Errorf("%w: identifier %d has no pending connect request", ErrInvalidArgument, h)
	}

	remote := peer.remote
	if _, err := remote.lookupID(peer.remoteID); err != nil {
		return fmt.Errorf("accept: initiator went away: %w", err)
	}

	remote.establish(peer.remoteID, &simLink{remote: p, remoteID: h})
	p.establish(h, &simLink{remote: remote, remoteID: peer.remoteID})

	resp := copyParam(param)
	switch p.fabric.style {
	case ResponseThenEstablished:
		remote.postEvent(&CMEvent{Type: CMEventConnectResponse, ID: peer.remoteID, Param: resp})
		remote.postEvent(&CMEvent{Type: CMEventEstablished, ID: peer.remoteID})
	default:
		remote.postEvent(&CMEvent{Type: CMEventEstablished, ID: peer.remoteID, Param: resp})
	}

	p.postEvent(&CMEvent{Type: CMEventEstablished, ID: h})

	return nil
}

// Disconnect flushes both queue pairs and delivers DISCONNECTED to both
// sides. Disconnecting an identifier that is not connected is an error.
func (p *SimProvider) Disconnect(h CMID) error {
	id, err := p.lookupID(h)
	if err != nil {
		return err
	}

	peer, _ := id.ext.(*simPeer)
	lnk := p.teardownLink(h)
	if lnk == nil {
		return fmt.Errorf("disconnect: %w", ErrQPNotConnected)
	}
	_ = lnk.close()

	p.postEvent(&CMEvent{Type: CMEventDisconnected, ID: h})

	if peer != nil {
		if rl := peer.remote.teardownLink(peer.remoteID); rl != nil {
			_ = rl.close()
			peer.remote.postEvent(&CMEvent{Type: CMEventDisconnected, ID: peer.remoteID})
		}
	}

	return nil
}

func (p *SimProvider) releaseID(id *cmID) {
	p.fabric.mu.Lock()
	defer p.fabric.mu.Unlock()

	if l, ok := p.fabric.listeners[id.addr]; ok && l.p == p && l.id == id.handle {
		delete(p.fabric.listeners, id.addr)
	}
}

func copyParam(param *ConnParam) ConnParam {
	if param == nil {
		return ConnParam{}
	}

	out := *param
	if param.PrivateData != nil {
		out.PrivateData = append([]byte(nil), param.PrivateData...)
	}

	return out
}

var _ Provider = (*SimProvider)(nil)
