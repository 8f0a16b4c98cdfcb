package rdma

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// ALPNProtocol identifies the connection-manager protocol spoken over QUIC.
const ALPNProtocol = "rdmaxfer-cm-v1"

const defaultHandshakeTimeout = 10 * time.Second

// QUICProvider carries the connection manager and one-sided operations
// between processes. Each connection identifier owns one QUIC connection
// and one bidirectional stream; frames on the stream are processed in
// order, which gives reliable-connection completion ordering.
type QUICProvider struct {
	*engine

	ctx    context.Context
	cancel context.CancelFunc

	lmu       sync.Mutex
	listeners map[CMID]*quicListener
	sessions  map[CMID]*quicSession
	endpoints map[CMID]*quicEndpoint

	tlsOnce   sync.Once
	serverTLS *tls.Config
	tlsErr    error
}

type quicListener struct {
	udp *net.UDPConn
	ln  *quic.Listener
}

// quicEndpoint holds initiator-side resolution results.
type quicEndpoint struct {
	local  *net.UDPAddr
	remote *net.UDPAddr
}

// NewQUICProvider creates a provider whose peers are reached over QUIC.
func NewQUICProvider() *QUICProvider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &QUICProvider{
		engine:    newEngine(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[CMID]*quicListener),
		sessions:  make(map[CMID]*quicSession),
		endpoints: make(map[CMID]*quicEndpoint),
	}
	p.onDestroyID = p.releaseID

	return p
}

// Name returns the fabric name.
func (p *QUICProvider) Name() string {
	return "quic"
}

// Close stops listeners and closes every connection.
func (p *QUICProvider) Close() error {
	p.cancel()

	p.lmu.Lock()
	listeners := p.listeners
	sessions := p.sessions
	p.listeners = make(map[CMID]*quicListener)
	p.sessions = make(map[CMID]*quicSession)
	p.lmu.Unlock()

	var errs []error
	for _, l := range listeners {
		errs = append(errs, l.close())
	}
	for _, s := range sessions {
		errs = append(errs, s.close())
	}
	for _, l := range p.shutdown() {
		_ = l.close()
	}

	return errors.Join(errs...)
}

func (l *quicListener) close() error {
	err := l.ln.Close()
	if cerr := l.udp.Close(); err == nil {
		err = cerr
	}

	return err
}

func serverQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		HandshakeIdleTimeout:           defaultHandshakeTimeout,
		MaxIncomingStreams:             4,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func clientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		HandshakeIdleTimeout:           defaultHandshakeTimeout,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // peers are authenticated by the capability exchange, not TLS
		NextProtos:         []string{ALPNProtocol},
	}
}

func (p *QUICProvider) tlsConfig() (*tls.Config, error) {
	p.tlsOnce.Do(func() {
		cert, err := generateSelfSignedCert()
		if err != nil {
			p.tlsErr = fmt.Errorf("generate certificate: %w", err)
			return
		}

		p.serverTLS = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPNProtocol},
		}
	})

	return p.serverTLS, p.tlsErr
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"rdmaxfer"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func resolveUDP(ctx context.Context, addr string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	if host == "" {
		return &net.UDPAddr{Port: int(port)}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	ip := ips[0]
	for _, candidate := range ips {
		if candidate.Is4() {
			ip = candidate
			break
		}
	}

	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))), nil
}

// ResolveAddr resolves dst (and the optional src) through the system
// resolver and reports ADDR_RESOLVED or ADDR_ERROR.
func (p *QUICProvider) ResolveAddr(h CMID, src, dst string, timeout time.Duration) error {
	id, err := p.lookupID(h)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()

		ep := &quicEndpoint{}

		remote, err := resolveUDP(ctx, dst)
		if err == nil && src != "" {
			ep.local, err = resolveUDP(ctx, net.JoinHostPort(src, "0"))
		}
		if err != nil {
			log.Debug().Err(err).Str("target", dst).Msg("Address resolution failed")
			p.postEvent(&CMEvent{Type: CMEventAddrError, Status: StatusHostUnreach, ID: h})

			return
		}
		ep.remote = remote

		p.lmu.Lock()
		p.endpoints[h] = ep
		p.lmu.Unlock()

		p.mu.Lock()
		id.verbs = p.device
		id.peerAddr = remote.String()
		p.mu.Unlock()

		p.postEvent(&CMEvent{Type: CMEventAddrResolved, ID: h})
	}()

	return nil
}

// ResolveRoute asks the kernel for a source route to the resolved peer
// without sending any packet.
func (p *QUICProvider) ResolveRoute(h CMID, _ time.Duration) error {
	p.lmu.Lock()
	ep, ok := p.endpoints[h]
	p.lmu.Unlock()

	if !ok {
		p.postEvent(&CMEvent{Type: CMEventRouteError, Status: StatusInvalidInput, ID: h})
		return nil
	}

	go func() {
		sock, err := net.DialUDP("udp", ep.local, ep.remote)
		if err != nil {
			log.Debug().Err(err).Str("target", ep.remote.String()).Msg("Route resolution failed")
			p.postEvent(&CMEvent{Type: CMEventRouteError, Status: StatusHostUnreach, ID: h})

			return
		}

		local, _ := sock.LocalAddr().(*net.UDPAddr)
		_ = sock.Close()

		p.lmu.Lock()
		if local != nil {
			ep.local = &net.UDPAddr{IP: local.IP, Zone: local.Zone}
		}
		p.lmu.Unlock()

		p.postEvent(&CMEvent{Type: CMEventRouteResolved, ID: h})
	}()

	return nil
}

// Listen binds a QUIC listener on addr and turns every incoming stream that
// opens with a REQ frame into a CONNECT_REQUEST on a new identifier.
func (p *QUICProvider) Listen(h CMID, addr string, _ int) error {
	id, err := p.lookupID(h)
	if err != nil {
		return err
	}

	tlsConf, err := p.tlsConfig()
	if err != nil {
		return err
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	ln, err := quic.Listen(udpConn, tlsConf, serverQUICConfig())
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}

	p.lmu.Lock()
	p.listeners[h] = &quicListener{udp: udpConn, ln: ln}
	p.lmu.Unlock()

	p.mu.Lock()
	id.addr = udpConn.LocalAddr().String()
	id.verbs = p.device
	ch := id.ch
	p.mu.Unlock()

	log.Debug().Str("fabric", "quic").Str("addr", udpConn.LocalAddr().String()).Msg("Listening")

	go p.acceptLoop(h, ch, ln)

	return nil
}

func (p *QUICProvider) acceptLoop(listenID CMID, ch EventChannel, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(p.ctx)
		if err != nil {
			return
		}

		go p.handleIncoming(listenID, ch, conn)
	}
}

func (p *QUICProvider) handleIncoming(listenID CMID, ch EventChannel, conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(p.ctx, defaultHandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	typ, body, err := readFrame(stream, nil)
	if err != nil || typ != frameREQ {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Dropping connection without connect request")
		_ = conn.CloseWithError(1, "expected connect request")

		return
	}

	req, err := decodeCMBody(body)
	if err != nil {
		_ = conn.CloseWithError(1, "malformed connect request")
		return
	}

	p.mu.Lock()
	listener, ok := p.ids[listenID]
	if !ok {
		p.mu.Unlock()
		_ = conn.CloseWithError(1, "listener closed")

		return
	}
	child, err := p.newIDLocked(ch)
	if err != nil {
		p.mu.Unlock()
		_ = conn.CloseWithError(1, "listener closed")

		return
	}
	child.verbs = p.device
	child.addr = listener.addr
	child.peerAddr = conn.RemoteAddr().String()
	p.mu.Unlock()

	s := newQUICSession(p, child.handle, conn, stream, nil, true)

	p.lmu.Lock()
	p.sessions[child.handle] = s
	p.lmu.Unlock()

	go s.readLoop()

	p.postEvent(&CMEvent{
		Type:     CMEventConnectRequest,
		ID:       child.handle,
		ListenID: listenID,
		Param:    req,
	})
}

// Connect dials the resolved peer, opens the connection stream and sends
// the REQ frame. The outcome arrives as ESTABLISHED, UNREACHABLE or
// CONNECT_ERROR.
func (p *QUICProvider) Connect(h CMID, param *ConnParam) error {
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

	p.lmu.Lock()
	ep, ok := p.endpoints[h]
	p.lmu.Unlock()
	if !ok {
		return fmt.Errorf("connect: %w: address not resolved", ErrInvalidArgument)
	}

	req := copyParam(param)

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, defaultHandshakeTimeout)
		defer cancel()

		udpConn, err := net.ListenUDP("udp", ep.local)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to bind source address")
			p.postEvent(&CMEvent{Type: CMEventUnreachable, Status: StatusHostUnreach, ID: h})

			return
		}

		conn, err := quic.Dial(ctx, udpConn, ep.remote, clientTLSConfig(), clientQUICConfig())
		if err != nil {
			_ = udpConn.Close()
			log.Debug().Err(err).Str("remote", ep.remote.String()).Msg("QUIC dial failed")
			p.postEvent(&CMEvent{Type: CMEventUnreachable, Status: StatusConnRefused, ID: h})

			return
		}

		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			_ = udpConn.Close()
			p.postEvent(&CMEvent{Type: CMEventConnectError, Status: StatusConnRefused, ID: h})

			return
		}

		s := newQUICSession(p, h, conn, stream, udpConn, false)

		p.lmu.Lock()
		p.sessions[h] = s
		p.lmu.Unlock()

		if err := s.send(frameREQ, encodeCMBody(&req)); err != nil {
			p.postEvent(&CMEvent{Type: CMEventConnectError, Status: StatusConnRefused, ID: h})
			return
		}

		s.readLoop()
	}()

	return nil
}

// Accept moves the identifier's queue pair to RTS and answers the REQ with
// a REP frame carrying param. ESTABLISHED follows once the initiator's RTU
// arrives.
func (p *QUICProvider) Accept(h CMID, param *ConnParam) error {
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

	s := p.session(h)
	if s == nil || !s.acceptor {
		return fmt.Errorf("%w: identifier %d has no pending connect request", ErrInvalidArgument, h)
	}

	p.establish(h, s)

	resp := copyParam(param)
	if err := s.send(frameREP, encodeCMBody(&resp)); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	return nil
}

// Disconnect sends DREQ, flushes the queue pair and reports DISCONNECTED
// locally. The peer reports DISCONNECTED when the DREQ arrives.
func (p *QUICProvider) Disconnect(h CMID) error {
	s := p.session(h)
	if s == nil {
		return fmt.Errorf("disconnect: %w", ErrQPNotConnected)
	}

	if !s.markDisconnected() {
		return fmt.Errorf("disconnect: %w", ErrQPNotConnected)
	}

	sendErr := s.send(frameDREQ, nil)
	_ = s.stream.Close()

	p.teardownLink(h)
	p.postEvent(&CMEvent{Type: CMEventDisconnected, ID: h})

	if sendErr != nil {
		log.Debug().Err(sendErr).Msg("DREQ not delivered")
	}

	return nil
}

func (p *QUICProvider) session(h CMID) *quicSession {
	p.lmu.Lock()
	defer p.lmu.Unlock()

	return p.sessions[h]
}

func (p *QUICProvider) releaseID(id *cmID) {
	p.lmu.Lock()
	l := p.listeners[id.handle]
	s := p.sessions[id.handle]
	delete(p.listeners, id.handle)
	delete(p.sessions, id.handle)
	delete(p.endpoints, id.handle)
	p.lmu.Unlock()

	if l != nil {
		_ = l.close()
	}
	if s != nil {
		_ = s.close()
	}
}

// quicSession is the link of one connected identifier.
type quicSession struct {
	p        *QUICProvider
	id       CMID
	conn     *quic.Conn
	stream   *quic.Stream
	udp      *net.UDPConn
	acceptor bool

	wmu sync.Mutex

	mu           sync.Mutex
	pending      []pendingOp
	established  bool
	disconnected bool
	closed       bool
}

type pendingOp struct {
	wrid uint64
	done func(WCStatus, []byte)
}

func newQUICSession(p *QUICProvider, id CMID, conn *quic.Conn, stream *quic.Stream, udp *net.UDPConn, acceptor bool) *quicSession {
	return &quicSession{
		p:        p,
		id:       id,
		conn:     conn,
		stream:   stream,
		udp:      udp,
		acceptor: acceptor,
	}
}

func (s *quicSession) send(typ frameType, body []byte, extra ...[]byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	return writeFrame(s.stream, typ, body, extra...)
}

func (s *quicSession) post(op linkOp, done func(WCStatus, []byte)) error {
	s.mu.Lock()
	if s.disconnected || s.closed {
		s.mu.Unlock()
		return ErrQPNotConnected
	}
	s.pending = append(s.pending, pendingOp{wrid: op.wrid, done: done})
	s.mu.Unlock()

	var err error
	switch op.opcode {
	case WROpRDMAWrite:
		err = s.send(frameWrite, encodeWriteHeader(op), op.data)
	case WROpRDMAWriteImm:
		err = s.send(frameWriteImm, encodeWriteHeader(op), op.data)
	case WROpRDMARead:
		err = s.send(frameRead, encodeReadRequest(op))
	default:
		err = ErrInvalidOpcode
	}

	if err != nil {
		s.mu.Lock()
		if n := len(s.pending); n > 0 && s.pending[n-1].wrid == op.wrid {
			s.pending = s.pending[:n-1]
		}
		s.mu.Unlock()
	}

	return err
}

func (s *quicSession) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.CloseWithError(0, "")
	if s.udp != nil {
		_ = s.udp.Close()
	}

	return err
}

// markDisconnected returns false when the session was already disconnected.
func (s *quicSession) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return false
	}
	s.disconnected = true

	return true
}

func (s *quicSession) completeHead(wrid uint64, status WCStatus, data []byte) error {
	s.mu.Lock()
	if len(s.pending) == 0 || s.pending[0].wrid != wrid {
		s.mu.Unlock()
		return fmt.Errorf("%w: unexpected completion for wrid %d", errProtocol, wrid)
	}
	op := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	op.done(status, data)

	return nil
}

func (s *quicSession) readLoop() {
	var buf []byte

	for {
		typ, body, err := readFrame(s.stream, buf)
		if err != nil {
			s.peerGone(err)
			return
		}
		buf = body[:0]

		if err := s.handle(typ, body); err != nil {
			log.Warn().Err(err).Str("fabric", "quic").Msg("Closing connection")
			s.peerGone(err)
			_ = s.conn.CloseWithError(1, "protocol error")

			return
		}

		if typ == frameDREQ {
			return
		}
	}
}

func (s *quicSession) handle(typ frameType, body []byte) error {
	switch typ {
	case frameREP:
		if s.acceptor {
			return fmt.Errorf("%w: REP sent to acceptor", errProtocol)
		}

		resp, err := decodeCMBody(body)
		if err != nil {
			return err
		}

		s.p.establish(s.id, s)
		if err := s.send(frameRTU, nil); err != nil {
			return err
		}

		s.setEstablished()
		s.p.postEvent(&CMEvent{Type: CMEventEstablished, ID: s.id, Param: resp})

	case frameRTU:
		if !s.acceptor {
			return fmt.Errorf("%w: RTU sent to initiator", errProtocol)
		}

		s.setEstablished()
		s.p.postEvent(&CMEvent{Type: CMEventEstablished, ID: s.id})

	case frameDREQ:
		if s.markDisconnected() {
			s.p.teardownLink(s.id)
			s.p.postEvent(&CMEvent{Type: CMEventDisconnected, ID: s.id})
		}

	case frameWrite, frameWriteImm:
		op, data, err := decodeWriteHeader(typ, body)
		if err != nil {
			return err
		}

		var status WCStatus
		if op.opcode == WROpRDMAWriteImm {
			status = s.p.remoteWriteImm(s.id, op.rkey, op.remoteAddr, data, op.imm)
		} else {
			status = s.p.remoteWrite(s.id, op.rkey, op.remoteAddr, data)
		}

		return s.send(frameAck, encodeAck(op.wrid, status))

	case frameRead:
		op, err := decodeReadRequest(body)
		if err != nil {
			return err
		}

		data, status := s.p.remoteRead(s.id, op.rkey, op.remoteAddr, op.length)

		return s.send(frameReadResp, encodeAck(op.wrid, status), data)

	case frameAck, frameReadResp:
		wrid, status, data, err := decodeAck(body)
		if err != nil {
			return err
		}

		return s.completeHead(wrid, status, data)

	default:
		return fmt.Errorf("%w: frame type %d", errProtocol, typ)
	}

	return nil
}

func (s *quicSession) setEstablished() {
	s.mu.Lock()
	s.established = true
	s.mu.Unlock()
}

// peerGone reports the loss of the stream. An established connection
// becomes DISCONNECTED; a pending connect becomes REJECTED.
func (s *quicSession) peerGone(err error) {
	s.mu.Lock()
	established := s.established
	s.mu.Unlock()

	if !s.markDisconnected() {
		return
	}

	s.p.teardownLink(s.id)

	if established || s.acceptor {
		s.p.postEvent(&CMEvent{Type: CMEventDisconnected, ID: s.id})
		return
	}

	log.Debug().Err(err).Msg("Connection closed before REP")
	s.p.postEvent(&CMEvent{Type: CMEventRejected, Status: StatusConnRefused, ID: s.id})
}

var _ Provider = (*QUICProvider)(nil)
