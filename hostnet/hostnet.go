// Package hostnet adapts the host operating system's network to the
// netstack.Stack contract. The standard library's conns block, so every
// handle runs pump goroutines that shuttle data between the conn and
// bounded buffers; the stack's primitives only ever touch the buffers and
// therefore complete immediately or report ErrWouldBlock. Readiness edges
// observed by the pumps become Attach callbacks.
package hostnet

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/foxxorcat/nbsock/netstack"
)

// Stack is a netstack.Stack backed by the host OS.
type Stack struct {
	resolver *net.Resolver
	logger   *zap.Logger
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger attaches a logger for pump diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

// WithResolver substitutes the name resolver. The default is the
// standard library's.
func WithResolver(r *net.Resolver) Option {
	return func(s *Stack) { s.resolver = r }
}

func New(opts ...Option) *Stack {
	s := &Stack{
		resolver: net.DefaultResolver,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type dialResult struct {
	conn *net.TCPConn
	err  error
}

// hostSock is the per-handle state. cb lives behind its own mutex because
// pump goroutines fire it while the main mutex may be held by a caller
// inside a stack primitive.
type hostSock struct {
	stack *Stack
	proto netstack.Protocol

	cbMu sync.Mutex
	cb   func()

	mu     sync.Mutex
	closed bool
	local  netip.AddrPort

	reuseAddr bool

	// datagram
	peer netip.AddrPort // default send target pinned by Connect
	udp  *net.UDPConn
	din  *dgramReader
	dout *dgramWriter

	// stream
	listener   *net.TCPListener
	accepts    []dialResult
	acceptErr  error
	dialing    bool
	dialCancel context.CancelFunc
	dialErr    error
	conn       *net.TCPConn
	sin        *streamReader
	sout       *streamWriter
}

func (h *hostSock) notify() {
	h.cbMu.Lock()
	cb := h.cb
	h.cbMu.Unlock()
	if cb != nil {
		cb()
	}
}

// Resolve answers literals locally and otherwise queries the host
// resolver, preferring an IPv4 answer when one exists.
func (s *Stack) Resolve(name string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr, nil
	}
	addrs, err := s.resolver.LookupNetIP(context.Background(), "ip", name)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, netstack.ErrDNSFailure
	}
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

func (s *Stack) Open(proto netstack.Protocol) (netstack.SockHandle, error) {
	switch proto {
	case netstack.UDP, netstack.TCP:
		return &hostSock{stack: s, proto: proto}, nil
	default:
		return nil, netstack.ErrUnsupported
	}
}

func (s *Stack) Attach(handle netstack.SockHandle, fn func()) {
	h, ok := handle.(*hostSock)
	if !ok {
		return
	}
	h.cbMu.Lock()
	h.cb = fn
	h.cbMu.Unlock()
}

func (s *Stack) Close(handle netstack.SockHandle) error {
	h, ok := handle.(*hostSock)
	if !ok {
		return netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	if h.dialCancel != nil {
		h.dialCancel()
		h.dialCancel = nil
	}
	if h.din != nil {
		h.din.close()
	}
	if h.dout != nil {
		h.dout.close()
	}
	if h.sin != nil {
		h.sin.close()
	}
	if h.sout != nil {
		h.sout.close()
	}

	var err error
	if h.udp != nil {
		err = h.udp.Close()
	}
	if h.listener != nil {
		if cerr := h.listener.Close(); err == nil {
			err = cerr
		}
	}
	for _, pending := range h.accepts {
		if pending.conn != nil {
			pending.conn.Close()
		}
	}
	h.accepts = nil
	if h.conn != nil {
		if cerr := h.conn.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		s.logger.Debug("hostnet: close", zap.Error(err))
	}
	return err
}

func (s *Stack) Bind(handle netstack.SockHandle, addr netip.AddrPort) error {
	h, ok := handle.(*hostSock)
	if !ok {
		return netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return netstack.ErrNoSocket
	}

	switch h.proto {
	case netstack.UDP:
		if h.udp != nil {
			return netstack.ErrParameter
		}
		return h.bindUDPLocked(addr)
	case netstack.TCP:
		// The handle remembers the address; the OS socket is created by
		// Listen or Connect.
		h.local = addr
		return nil
	default:
		return netstack.ErrUnsupported
	}
}

func (h *hostSock) bindUDPLocked(addr netip.AddrPort) error {
	lc := net.ListenConfig{}
	if h.reuseAddr {
		lc.Control = reuseAddrControl
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addrString(addr))
	if err != nil {
		return err
	}
	h.udp = pc.(*net.UDPConn)
	h.din = newDgramReader(h.udp, h.notify)
	h.dout = newDgramWriter(h.udp, h.notify)
	return nil
}

// ensureUDPLocked lazily binds to a wildcard address so an unbound
// datagram handle can still send and receive.
func (h *hostSock) ensureUDPLocked() error {
	if h.udp != nil {
		return nil
	}
	return h.bindUDPLocked(netip.AddrPort{})
}

func (s *Stack) Listen(handle netstack.SockHandle, backlog int) error {
	h, ok := handle.(*hostSock)
	if !ok {
		return netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return netstack.ErrNoSocket
	}
	if h.proto != netstack.TCP || h.listener != nil || h.conn != nil {
		return netstack.ErrParameter
	}
	if backlog <= 0 {
		backlog = 16
	}

	lc := net.ListenConfig{}
	if h.reuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", addrString(h.local))
	if err != nil {
		return err
	}
	h.listener = ln.(*net.TCPListener)
	go h.acceptPump(h.listener, backlog)
	return nil
}

// acceptPump feeds the accept queue. Beyond the backlog, new connections
// are dropped rather than buffered without bound.
func (h *hostSock) acceptPump(ln *net.TCPListener, backlog int) {
	for {
		conn, err := ln.AcceptTCP()

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			h.acceptErr = err
			h.mu.Unlock()
			h.notify()
			return
		}
		if len(h.accepts) >= backlog {
			h.mu.Unlock()
			conn.Close()
			continue
		}
		wasEmpty := len(h.accepts) == 0
		h.accepts = append(h.accepts, dialResult{conn: conn})
		h.mu.Unlock()

		if wasEmpty {
			h.notify()
		}
	}
}

func (s *Stack) Connect(handle netstack.SockHandle, addr netip.AddrPort) error {
	h, ok := handle.(*hostSock)
	if !ok {
		return netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return netstack.ErrNoSocket
	}

	switch h.proto {
	case netstack.UDP:
		if err := h.ensureUDPLocked(); err != nil {
			return err
		}
		// UDP connect is synchronous: it only pins the default peer.
		h.peer = addr
		return nil
	case netstack.TCP:
	default:
		return netstack.ErrUnsupported
	}

	if h.conn != nil {
		return netstack.ErrIsConnected
	}
	if h.dialing {
		return netstack.ErrAlready
	}
	if h.dialErr != nil {
		err := h.dialErr
		h.dialErr = nil
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.dialing = true
	h.dialCancel = cancel

	// 拨号在后台完成，结果回灌到 handle；这是 Connect 的
	// in-progress 契约在宿主 OS 上的实现。
	go func() {
		var d net.Dialer
		if h.local.IsValid() {
			d.LocalAddr = net.TCPAddrFromAddrPort(h.local)
		}
		conn, err := d.DialContext(ctx, "tcp", addr.String())

		h.mu.Lock()
		h.dialing = false
		h.dialCancel = nil
		if h.closed {
			h.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			h.dialErr = err
		} else {
			h.conn = conn.(*net.TCPConn)
			h.sin = newStreamReader(h.conn, h.notify)
			h.sout = newStreamWriter(h.conn, h.notify)
		}
		h.mu.Unlock()
		h.notify()
	}()

	return netstack.ErrInProgress
}

func (s *Stack) Accept(handle netstack.SockHandle) (netstack.SockHandle, netip.AddrPort, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return nil, netip.AddrPort{}, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, netip.AddrPort{}, netstack.ErrNoSocket
	}
	if h.listener == nil {
		return nil, netip.AddrPort{}, netstack.ErrParameter
	}
	if len(h.accepts) == 0 {
		if h.acceptErr != nil {
			return nil, netip.AddrPort{}, h.acceptErr
		}
		return nil, netip.AddrPort{}, netstack.ErrWouldBlock
	}

	conn := h.accepts[0].conn
	h.accepts = h.accepts[1:]

	child := &hostSock{stack: s, proto: netstack.TCP, conn: conn}
	child.sin = newStreamReader(conn, child.notify)
	child.sout = newStreamWriter(conn, child.notify)

	peer := netip.AddrPort{}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = ta.AddrPort()
	}
	return child, peer, nil
}

func (s *Stack) Send(handle netstack.SockHandle, p []byte) (int, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return 0, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, netstack.ErrNoSocket
	}

	switch h.proto {
	case netstack.TCP:
		if h.sout == nil {
			return 0, netstack.ErrNoConnection
		}
		return h.sout.write(p)
	case netstack.UDP:
		if h.dout == nil || !h.peer.IsValid() {
			return 0, netstack.ErrNoConnection
		}
		return h.dout.send(h.peer, p)
	default:
		return 0, netstack.ErrUnsupported
	}
}

func (s *Stack) Recv(handle netstack.SockHandle, p []byte) (int, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return 0, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, netstack.ErrNoSocket
	}

	switch h.proto {
	case netstack.TCP:
		if h.sin == nil {
			return 0, netstack.ErrNoConnection
		}
		return h.sin.read(p)
	case netstack.UDP:
		if h.din == nil {
			return 0, netstack.ErrNoConnection
		}
		n, _, err := h.din.receive(p)
		return n, err
	default:
		return 0, netstack.ErrUnsupported
	}
}

func (s *Stack) SendTo(handle netstack.SockHandle, addr netip.AddrPort, p []byte) (int, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return 0, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, netstack.ErrNoSocket
	}
	if h.proto != netstack.UDP {
		return 0, netstack.ErrUnsupported
	}
	if err := h.ensureUDPLocked(); err != nil {
		return 0, err
	}
	return h.dout.send(addr, p)
}

func (s *Stack) RecvFrom(handle netstack.SockHandle, p []byte) (int, netip.AddrPort, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return 0, netip.AddrPort{}, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, netip.AddrPort{}, netstack.ErrNoSocket
	}
	if h.proto != netstack.UDP {
		return 0, netip.AddrPort{}, netstack.ErrUnsupported
	}
	if err := h.ensureUDPLocked(); err != nil {
		return 0, netip.AddrPort{}, err
	}
	return h.din.receive(p)
}

func (s *Stack) SetOption(handle netstack.SockHandle, level, name int, value any) error {
	h, ok := handle.(*hostSock)
	if !ok {
		return netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return netstack.ErrNoSocket
	}
	if level != netstack.LevelSocket {
		return netstack.ErrUnsupported
	}

	switch name {
	case netstack.OptReuseAddr:
		on, ok := value.(bool)
		if !ok {
			return netstack.ErrParameter
		}
		h.reuseAddr = on
		return nil

	case netstack.OptBroadcast:
		on, ok := value.(bool)
		if !ok {
			return netstack.ErrParameter
		}
		if err := h.ensureUDPLocked(); err != nil {
			return err
		}
		return setBroadcast(h.udp, on)

	case netstack.OptKeepalive:
		on, ok := value.(bool)
		if !ok {
			return netstack.ErrParameter
		}
		if h.conn == nil {
			return netstack.ErrNoConnection
		}
		return h.conn.SetKeepAlive(on)

	case netstack.OptAddMembership, netstack.OptDropMembership:
		group, ok := value.(netip.Addr)
		if !ok {
			return netstack.ErrParameter
		}
		if err := h.ensureUDPLocked(); err != nil {
			return err
		}
		if name == netstack.OptAddMembership {
			return joinGroup(h.udp, group)
		}
		return leaveGroup(h.udp, group)

	default:
		return netstack.ErrUnsupported
	}
}

func (s *Stack) Option(handle netstack.SockHandle, level, name int) (any, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return nil, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, netstack.ErrNoSocket
	}
	if level != netstack.LevelSocket {
		return nil, netstack.ErrUnsupported
	}
	switch name {
	case netstack.OptReuseAddr:
		return h.reuseAddr, nil
	default:
		return nil, netstack.ErrUnsupported
	}
}

// LocalAddr reports the handle's bound address, once it has one.
func (s *Stack) LocalAddr(handle netstack.SockHandle) (netip.AddrPort, error) {
	h, ok := handle.(*hostSock)
	if !ok {
		return netip.AddrPort{}, netstack.ErrNoSocket
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.udp != nil:
		if ua, ok := h.udp.LocalAddr().(*net.UDPAddr); ok {
			return ua.AddrPort(), nil
		}
	case h.listener != nil:
		if ta, ok := h.listener.Addr().(*net.TCPAddr); ok {
			return ta.AddrPort(), nil
		}
	case h.conn != nil:
		if ta, ok := h.conn.LocalAddr().(*net.TCPAddr); ok {
			return ta.AddrPort(), nil
		}
	}
	return netip.AddrPort{}, netstack.ErrNoAddress
}

func addrString(addr netip.AddrPort) string {
	if !addr.IsValid() {
		return ":0"
	}
	return addr.String()
}

var _ netstack.Stack = (*Stack)(nil)
