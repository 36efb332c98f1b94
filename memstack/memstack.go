// Package memstack implements netstack.Stack entirely in memory. Datagrams
// and stream bytes are delivered between handles of the same stack through
// bounded buffers, and readiness callbacks fire on the delivering goroutine.
//
// 它是 socket 层的测试基座：可以指定主机表、注入入站数据报、强制发送端
// 返回 would-block，从而精确驱动重试循环的每一个分支。
package memstack

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/foxxorcat/nbsock/netstack"
)

const (
	recvQueueDepth   = 64
	streamBufferSize = 64 * 1024
	listenBacklogMax = 16
)

type sockState uint8

const (
	stateOpen sockState = iota
	stateListening
	stateConnecting
	stateConnected
	stateClosed
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

type memSock struct {
	fd    int
	proto netstack.Protocol
	state sockState
	local netip.AddrPort
	cb    func()

	// datagram receive queue
	queue []datagram

	// stream plumbing
	peer    *memSock
	rbuf    []byte
	peerEOF bool
	backlog []*memSock

	// test knobs
	sendBlocked bool
	recvBlocked bool

	opts map[int]any
}

func (s *memSock) notify() {
	if s.cb != nil {
		s.cb()
	}
}

// Stack is an in-memory netstack.Stack. The zero value is not usable; use New.
type Stack struct {
	mu       sync.Mutex
	nextFd   int
	socks    map[int]*memSock
	udpBound map[netip.AddrPort]*memSock
	listen   map[netip.AddrPort]*memSock
	hosts    map[string]netip.Addr
	nextPort uint16
	logger   *zap.Logger
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger routes internal diagnostics to logger instead of discarding them.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

func New(opts ...Option) *Stack {
	s := &Stack{
		nextFd:   1,
		socks:    make(map[int]*memSock),
		udpBound: make(map[netip.AddrPort]*memSock),
		listen:   make(map[netip.AddrPort]*memSock),
		hosts:    make(map[string]netip.Addr),
		nextPort: 49152,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHost installs a name → address mapping for Resolve.
func (s *Stack) AddHost(name string, addr netip.Addr) {
	s.mu.Lock()
	s.hosts[name] = addr
	s.mu.Unlock()
}

func (s *Stack) Resolve(name string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr, nil
	}
	s.mu.Lock()
	addr, ok := s.hosts[name]
	s.mu.Unlock()
	if !ok {
		return netip.Addr{}, netstack.ErrDNSFailure
	}
	return addr, nil
}

func (s *Stack) Open(proto netstack.Protocol) (netstack.SockHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock := &memSock{
		fd:    s.nextFd,
		proto: proto,
		opts:  make(map[int]any),
	}
	s.nextFd++
	s.socks[sock.fd] = sock
	return sock.fd, nil
}

func (s *Stack) get(h netstack.SockHandle) (*memSock, bool) {
	fd, ok := h.(int)
	if !ok {
		return nil, false
	}
	sock, ok := s.socks[fd]
	return sock, ok
}

func (s *Stack) Close(h netstack.SockHandle) error {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return netstack.ErrNoSocket
	}
	delete(s.socks, sock.fd)
	delete(s.udpBound, sock.local)
	delete(s.listen, sock.local)
	sock.state = stateClosed
	sock.cb = nil
	peer := sock.peer
	s.mu.Unlock()

	// Orderly shutdown towards the peer: its next Recv drains the buffer
	// and then observes end-of-stream.
	if peer != nil {
		s.mu.Lock()
		peer.peerEOF = true
		cb := peer.cb
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
	return nil
}

func (s *Stack) Attach(h netstack.SockHandle, fn func()) {
	s.mu.Lock()
	if sock, ok := s.get(h); ok {
		sock.cb = fn
	}
	s.mu.Unlock()
}

func (s *Stack) Bind(h netstack.SockHandle, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.get(h)
	if !ok {
		return netstack.ErrNoSocket
	}
	return s.bindLocked(sock, addr)
}

func (s *Stack) bindLocked(sock *memSock, addr netip.AddrPort) error {
	if !addr.Addr().IsValid() || addr.Addr().IsUnspecified() {
		addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), addr.Port())
	}
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), s.nextPort)
		s.nextPort++
	}
	if sock.proto == netstack.UDP {
		if _, taken := s.udpBound[addr]; taken {
			return netstack.ErrParameter
		}
		s.udpBound[addr] = sock
	}
	sock.local = addr
	return nil
}

// ensureBound lazily binds an ephemeral local address so replies can route.
func (s *Stack) ensureBound(sock *memSock) {
	if !sock.local.IsValid() {
		_ = s.bindLocked(sock, netip.AddrPort{})
	}
}

func (s *Stack) Listen(h netstack.SockHandle, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.get(h)
	if !ok {
		return netstack.ErrNoSocket
	}
	if sock.proto != netstack.TCP {
		return netstack.ErrUnsupported
	}
	s.ensureBound(sock)
	sock.state = stateListening
	s.listen[sock.local] = sock
	return nil
}

// Connect wires a stream handle to a listening handle of the same stack.
// The first call reports ErrInProgress with the connection already staged
// (the stack is non-blocking; completion is signalled through the readiness
// callback), and a retry after completion reports ErrIsConnected.
func (s *Stack) Connect(h netstack.SockHandle, addr netip.AddrPort) error {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return netstack.ErrNoSocket
	}
	if sock.proto != netstack.TCP {
		s.mu.Unlock()
		return netstack.ErrUnsupported
	}
	switch sock.state {
	case stateConnected:
		s.mu.Unlock()
		return netstack.ErrIsConnected
	case stateConnecting:
		s.mu.Unlock()
		return netstack.ErrAlready
	}

	listener, found := s.listen[addr]
	if !found || len(listener.backlog) >= listenBacklogMax {
		s.mu.Unlock()
		return netstack.ErrNoConnection
	}

	s.ensureBound(sock)
	accepted := &memSock{
		fd:    s.nextFd,
		proto: netstack.TCP,
		state: stateConnected,
		local: addr,
		opts:  make(map[int]any),
	}
	s.nextFd++
	s.socks[accepted.fd] = accepted
	accepted.peer = sock
	sock.peer = accepted
	sock.state = stateConnected
	listener.backlog = append(listener.backlog, accepted)
	connCb := sock.cb
	lisCb := listener.cb
	s.mu.Unlock()

	// Completion events: the connector becomes writable, the listener
	// readable.
	if connCb != nil {
		connCb()
	}
	if lisCb != nil {
		lisCb()
	}
	return netstack.ErrInProgress
}

func (s *Stack) Accept(h netstack.SockHandle) (netstack.SockHandle, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.get(h)
	if !ok {
		return nil, netip.AddrPort{}, netstack.ErrNoSocket
	}
	if sock.state != stateListening {
		return nil, netip.AddrPort{}, netstack.ErrParameter
	}
	if len(sock.backlog) == 0 {
		return nil, netip.AddrPort{}, netstack.ErrWouldBlock
	}
	accepted := sock.backlog[0]
	sock.backlog = sock.backlog[1:]
	return accepted.fd, accepted.peer.local, nil
}

func (s *Stack) Send(h netstack.SockHandle, p []byte) (int, error) {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return 0, netstack.ErrNoSocket
	}
	if sock.state != stateConnected || sock.peer == nil {
		s.mu.Unlock()
		return 0, netstack.ErrNoConnection
	}
	if sock.sendBlocked {
		s.mu.Unlock()
		return 0, netstack.ErrWouldBlock
	}
	peer := sock.peer
	room := streamBufferSize - len(peer.rbuf)
	if room <= 0 {
		s.mu.Unlock()
		return 0, netstack.ErrWouldBlock
	}
	n := len(p)
	if n > room {
		n = room
	}
	wasEmpty := len(peer.rbuf) == 0
	peer.rbuf = append(peer.rbuf, p[:n]...)
	cb := peer.cb
	s.mu.Unlock()

	if wasEmpty && cb != nil {
		cb()
	}
	return n, nil
}

func (s *Stack) Recv(h netstack.SockHandle, p []byte) (int, error) {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return 0, netstack.ErrNoSocket
	}
	if sock.recvBlocked {
		s.mu.Unlock()
		return 0, netstack.ErrWouldBlock
	}
	if len(sock.rbuf) == 0 {
		eof := sock.peerEOF
		s.mu.Unlock()
		if eof {
			return 0, nil // end of stream
		}
		return 0, netstack.ErrWouldBlock
	}
	n := copy(p, sock.rbuf)
	sock.rbuf = sock.rbuf[n:]
	peer := sock.peer
	var cb func()
	if peer != nil {
		cb = peer.cb // room freed up, sender may retry
	}
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return n, nil
}

func (s *Stack) SendTo(h netstack.SockHandle, addr netip.AddrPort, p []byte) (int, error) {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return 0, netstack.ErrNoSocket
	}
	if sock.proto != netstack.UDP {
		s.mu.Unlock()
		return 0, netstack.ErrUnsupported
	}
	if sock.sendBlocked {
		s.mu.Unlock()
		return 0, netstack.ErrWouldBlock
	}
	s.ensureBound(sock)
	from := sock.local
	dest, found := s.udpBound[addr]
	if !found || len(dest.queue) >= recvQueueDepth {
		// Datagram semantics: unroutable or overflowing traffic is
		// dropped, not reported.
		logger := s.logger
		s.mu.Unlock()
		logger.Debug("memstack: datagram dropped",
			zap.Stringer("dest", addr), zap.Bool("routable", found))
		return len(p), nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	wasEmpty := len(dest.queue) == 0
	dest.queue = append(dest.queue, datagram{from: from, data: data})
	cb := dest.cb
	s.mu.Unlock()

	if wasEmpty && cb != nil {
		cb()
	}
	return len(p), nil
}

func (s *Stack) RecvFrom(h netstack.SockHandle, p []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, netstack.ErrNoSocket
	}
	if sock.recvBlocked || len(sock.queue) == 0 {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, netstack.ErrWouldBlock
	}
	dg := sock.queue[0]
	sock.queue = sock.queue[1:]
	s.mu.Unlock()

	n := copy(p, dg.data)
	return n, dg.from, nil
}

func (s *Stack) SetOption(h netstack.SockHandle, level, name int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.get(h)
	if !ok {
		return netstack.ErrNoSocket
	}
	sock.opts[level<<16|name] = value
	return nil
}

func (s *Stack) Option(h netstack.SockHandle, level, name int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.get(h)
	if !ok {
		return nil, netstack.ErrNoSocket
	}
	v, found := sock.opts[level<<16|name]
	if !found {
		return nil, netstack.ErrUnsupported
	}
	return v, nil
}

// --- test knobs ---

// Inject queues an inbound datagram on the handle as if it had arrived from
// addr, firing the readiness callback.
func (s *Stack) Inject(h netstack.SockHandle, from netip.AddrPort, data []byte) error {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return netstack.ErrNoSocket
	}
	if len(sock.queue) >= recvQueueDepth {
		s.mu.Unlock()
		return netstack.ErrWouldBlock
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	sock.queue = append(sock.queue, datagram{from: from, data: buf})
	cb := sock.cb
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// SetSendBlocked forces every send primitive on the handle to report
// ErrWouldBlock while set. Clearing it fires the readiness callback.
func (s *Stack) SetSendBlocked(h netstack.SockHandle, blocked bool) {
	s.setBlocked(h, blocked, true)
}

// SetRecvBlocked forces every receive primitive on the handle to report
// ErrWouldBlock while set. Clearing it fires the readiness callback.
func (s *Stack) SetRecvBlocked(h netstack.SockHandle, blocked bool) {
	s.setBlocked(h, blocked, false)
}

func (s *Stack) setBlocked(h netstack.SockHandle, blocked, send bool) {
	s.mu.Lock()
	sock, ok := s.get(h)
	if !ok {
		s.mu.Unlock()
		return
	}
	if send {
		sock.sendBlocked = blocked
	} else {
		sock.recvBlocked = blocked
	}
	var cb func()
	if !blocked {
		cb = sock.cb
	}
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// LocalAddr reports the bound address of the handle.
func (s *Stack) LocalAddr(h netstack.SockHandle) netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sock, ok := s.get(h); ok {
		return sock.local
	}
	return netip.AddrPort{}
}

var _ netstack.Stack = (*Stack)(nil)
