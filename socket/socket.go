// Package socket emulates blocking, timeout-bounded and non-blocking socket
// semantics on top of a netstack.Stack, whose primitives never block. Every
// operation takes the per-socket lock and attempts the non-blocking
// primitive; when it would block and a timeout is configured, the lock is
// released, the goroutine waits for a readiness flag posted by the stack's
// event callback, then reacquires the lock and retries.
//
// 核心不变式：锁绝不跨越等待点持有，否则投递就绪事件的那一方也会被卡住。
package socket

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/foxxorcat/nbsock/netstack"
	"github.com/foxxorcat/nbsock/poll"
)

// Readiness flags posted on the per-socket poll.Flags.
const (
	flagRead uint32 = 1 << iota
	flagWrite
	flagFinished
)

// Forever disables the timeout: blocked operations wait until readiness or
// a concurrent Close.
const Forever = poll.Forever

// Socket is the public surface shared by every transport in this package
// and by the TLS session wrapper. Listen and Accept report
// netstack.ErrUnsupported on transports without connection semantics.
//
// Multiple goroutines may invoke methods on the same Socket concurrently;
// send and receive paths block independently.
type Socket interface {
	Connect(addr netip.AddrPort) error
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	SendTo(addr netip.AddrPort, p []byte) (int, error)
	RecvFrom(p []byte) (int, netip.AddrPort, error)
	Bind(addr netip.AddrPort) error
	Listen(backlog int) error
	Accept() (Socket, error)
	Close() error

	SetTimeout(d time.Duration)
	SetBlocking(blocking bool)
	Sigio(fn func()) (cancel func())
	PeerName() (netip.AddrPort, error)
	SetOption(level, name int, value any) error
	Option(level, name int) (any, error)
}

// errFiltered makes the retry loop re-attempt the primitive immediately,
// without consuming a wait. Used by datagram peer filtering.
var errFiltered = errors.New("socket: datagram filtered")

// sock carries the state every transport shares. The mutable fields travel
// with the mutex that guards them; the readiness flags and the pending
// counter are the only state touched outside the lock, because the stack's
// event callback may fire on a goroutine that currently holds it.
type sock struct {
	mu      sync.Mutex
	stack   netstack.Stack
	handle  netstack.SockHandle // nil once closed
	proto   netstack.Protocol
	timeout time.Duration
	peer    netip.AddrPort

	readers int
	writers int

	flags   poll.Flags
	pending atomic.Int32
	sigio   poll.Notifier

	resolver *netstack.CachedResolver
	logger   *zap.Logger
}

// Option configures a socket at construction time.
type Option func(*sock)

// WithTimeout sets the initial operation timeout. Zero means non-blocking,
// Forever means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *sock) { s.timeout = d }
}

// WithLogger attaches a logger; teardown diagnostics go there.
func WithLogger(logger *zap.Logger) Option {
	return func(s *sock) { s.logger = logger }
}

func (s *sock) init(proto netstack.Protocol, opts ...Option) {
	s.proto = proto
	s.timeout = Forever
	s.logger = zap.NewNop()
	for _, opt := range opts {
		opt(s)
	}
}

// event is the readiness callback registered with the stack. It must not
// take the socket lock: the stack may deliver it synchronously from a
// primitive call made while the lock is held.
func (s *sock) event() {
	s.flags.Set(flagRead | flagWrite)
	if s.pending.Add(1) == 1 {
		s.sigio.Notify()
	}
}

// Open binds the socket to a stack and allocates its native handle.
func (s *sock) Open(stack netstack.Stack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stack != nil || stack == nil {
		return netstack.ErrParameter
	}
	handle, err := stack.Open(s.proto)
	if err != nil {
		return err
	}
	s.stack = stack
	s.handle = handle
	s.resolver, _ = netstack.NewCachedResolver(stack, 0)
	stack.Attach(handle, s.event)
	return nil
}

// resolve performs a cached name lookup through the stack. Any lookup
// failure is reported as a resolution failure, distinct from transport
// errors.
func (s *sock) resolve(name string) (netip.Addr, error) {
	s.mu.Lock()
	resolver := s.resolver
	s.mu.Unlock()
	if resolver == nil {
		return netip.Addr{}, netstack.ErrNoSocket
	}
	addr, err := resolver.Resolve(name)
	if err != nil {
		return netip.Addr{}, netstack.ErrDNSFailure
	}
	return addr, nil
}

// adopt takes ownership of an already connected handle (accept path).
func (s *sock) adopt(stack netstack.Stack, handle netstack.SockHandle, peer netip.AddrPort) {
	s.stack = stack
	s.handle = handle
	s.peer = peer
	s.resolver, _ = netstack.NewCachedResolver(stack, 0)
	stack.Attach(handle, s.event)
}

// Close tears the socket down and wakes every goroutine blocked in a retry
// loop so it observes "no socket". It does not return until all in-flight
// readers and writers have drained. Closing twice is a no-op.
func (s *sock) Close() error {
	s.mu.Lock()

	if s.handle == nil {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.stack.Attach(handle, nil)
	s.handle = nil
	err := s.stack.Close(handle)
	s.stack = nil

	// Wake anything blocked on this socket. Re-post on every drain turn:
	// a woken waiter consumes the flags it matched, and siblings that
	// re-armed in between would otherwise miss the wake.
	for s.readers > 0 || s.writers > 0 {
		s.flags.Set(flagRead | flagWrite)
		s.mu.Unlock()
		_, _ = s.flags.WaitAny(flagFinished, poll.Forever)
		s.mu.Lock()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("socket: stack close failed", zap.Error(err))
	}
	return err
}

// retry is the blocking-emulation core. op performs one non-blocking
// attempt against the handle; retry re-attempts it after each readiness
// wake until it produces something other than would-block, the timeout
// elapses, or the socket is closed underneath us. counter tracks the
// in-flight senders or receivers so Close knows when it is safe to finish.
func (s *sock) retry(counter *int, flag uint32, op func(handle netstack.SockHandle) (int, error)) (int, error) {
	s.mu.Lock()
	*counter++

	var (
		n   int
		err error
	)
	for {
		if s.handle == nil {
			n, err = 0, netstack.ErrNoSocket
			break
		}

		s.pending.Store(0)
		n, err = op(s.handle)
		if errors.Is(err, errFiltered) {
			continue
		}
		if s.timeout == 0 || !netstack.IsWouldBlock(err) {
			break
		}

		timeout := s.timeout
		s.mu.Unlock()
		_, werr := s.flags.WaitAny(flag, timeout)
		s.mu.Lock()
		if werr != nil {
			n, err = 0, netstack.ErrWouldBlock
			break
		}
	}

	*counter--
	if s.handle == nil || *counter == 0 {
		s.flags.Set(flagFinished)
	}
	s.mu.Unlock()
	return n, err
}

func (s *sock) Bind(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return netstack.ErrNoSocket
	}
	return s.stack.Bind(s.handle, addr)
}

// SetBlocking switches between fully blocking (Forever) and non-blocking
// (zero timeout) modes.
func (s *sock) SetBlocking(blocking bool) {
	if blocking {
		s.SetTimeout(Forever)
	} else {
		s.SetTimeout(0)
	}
}

// SetTimeout bounds subsequent blocking operations. Zero means a single
// non-blocking attempt; negative means wait forever.
func (s *sock) SetTimeout(d time.Duration) {
	if d < 0 {
		d = Forever
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Sigio subscribes fn to readiness events. Unlike a single overwritable
// callback slot, subscriptions stack: a session wrapper can intercept
// events without detaching the application's handler.
func (s *sock) Sigio(fn func()) (cancel func()) {
	return s.sigio.Subscribe(fn)
}

func (s *sock) PeerName() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return netip.AddrPort{}, netstack.ErrNoSocket
	}
	if !s.peer.IsValid() {
		return netip.AddrPort{}, netstack.ErrNoConnection
	}
	return s.peer, nil
}

func (s *sock) SetOption(level, name int, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return netstack.ErrNoSocket
	}
	return s.stack.SetOption(s.handle, level, name, value)
}

func (s *sock) Option(level, name int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, netstack.ErrNoSocket
	}
	return s.stack.Option(s.handle, level, name)
}

// JoinMulticastGroup subscribes the socket to a multicast group address.
func (s *sock) JoinMulticastGroup(addr netip.Addr) error {
	return s.SetOption(netstack.LevelSocket, netstack.OptAddMembership, addr)
}

// LeaveMulticastGroup reverses JoinMulticastGroup.
func (s *sock) LeaveMulticastGroup(addr netip.Addr) error {
	return s.SetOption(netstack.LevelSocket, netstack.OptDropMembership, addr)
}
