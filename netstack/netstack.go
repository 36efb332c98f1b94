// Package netstack defines the contract between socket-layer code and an
// underlying non-blocking network stack. The stack owns native socket
// handles, performs the actual datagram/stream I/O and name resolution, and
// reports readiness asynchronously through a callback attached per handle.
//
// 栈本身不提供任何阻塞语义：所有 I/O 原语要么立即完成，要么返回
// ErrWouldBlock。阻塞/超时语义由上层的 socket 包模拟。
package netstack

import "net/netip"

// Protocol selects the transport protocol of a native socket handle.
type Protocol uint8

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// SockHandle is an opaque reference to a native socket owned by a Stack.
// Handles are only meaningful to the Stack that issued them.
type SockHandle any

// Stack is the non-blocking network stack consumed by the socket layer.
//
// Every I/O primitive is a single attempt: it returns a byte count, a
// terminal error, or ErrWouldBlock when the operation cannot complete now.
// When an operation that previously would-blocked becomes possible, the
// stack invokes the callback registered with Attach. The callback may be
// invoked from any goroutine and must not be called with stack-internal
// locks held that would deadlock against re-entrant stack calls.
type Stack interface {
	// Resolve performs a name lookup. Implementations resolve literal
	// addresses without network traffic.
	Resolve(name string) (netip.Addr, error)

	// Open allocates a native socket handle for the given protocol.
	Open(proto Protocol) (SockHandle, error)

	// Close releases the handle. The stack stops delivering readiness
	// events for it before returning.
	Close(h SockHandle) error

	// Attach registers fn as the readiness callback for the handle.
	// A nil fn detaches the current callback.
	Attach(h SockHandle, fn func())

	Bind(h SockHandle, addr netip.AddrPort) error
	Listen(h SockHandle, backlog int) error

	// Connect starts connecting a stream handle. A non-blocking connect
	// reports ErrInProgress on the first call and ErrAlready while still
	// connecting; once connected further calls report ErrIsConnected.
	Connect(h SockHandle, addr netip.AddrPort) error

	// Accept takes one pending connection off a listening handle.
	Accept(h SockHandle) (SockHandle, netip.AddrPort, error)

	// Send and Recv operate on connected stream handles.
	Send(h SockHandle, p []byte) (int, error)
	Recv(h SockHandle, p []byte) (int, error)

	// SendTo and RecvFrom operate on datagram handles.
	SendTo(h SockHandle, addr netip.AddrPort, p []byte) (int, error)
	RecvFrom(h SockHandle, p []byte) (int, netip.AddrPort, error)

	// SetOption and Option tune a handle. Option levels and names are
	// stack-specific; see the Level* and Opt* constants for the ones the
	// socket layer itself uses.
	SetOption(h SockHandle, level, name int, value any) error
	Option(h SockHandle, level, name int) (any, error)
}

// Option levels and names understood by the bundled stacks.
const (
	LevelSocket = 0x1

	OptReuseAddr = iota + 1
	OptBroadcast
	OptKeepalive
	OptAddMembership
	OptDropMembership
)
