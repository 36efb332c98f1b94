package socket

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxxorcat/nbsock/memstack"
	"github.com/foxxorcat/nbsock/netstack"
)

func newListener(t *testing.T, stack *memstack.Stack, addr string) *TCPSocket {
	t.Helper()
	ln := NewTCP()
	require.NoError(t, ln.Open(stack))
	t.Cleanup(func() { ln.Close() })
	require.NoError(t, ln.Bind(netip.MustParseAddrPort(addr)))
	require.NoError(t, ln.Listen(4))
	return ln
}

func newTCP(t *testing.T, stack *memstack.Stack, opts ...Option) *TCPSocket {
	t.Helper()
	s := NewTCP(opts...)
	require.NoError(t, s.Open(stack))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTCPBlockingConnectCompletes(t *testing.T) {
	stack := memstack.New()
	lnAddr := netip.MustParseAddrPort("127.0.0.1:8000")
	newListener(t, stack, "127.0.0.1:8000")

	c := newTCP(t, stack)
	require.NoError(t, c.Connect(lnAddr))

	peer, err := c.PeerName()
	require.NoError(t, err)
	require.Equal(t, lnAddr, peer)
}

func TestTCPNonBlockingConnectReportsInProgress(t *testing.T) {
	stack := memstack.New()
	lnAddr := netip.MustParseAddrPort("127.0.0.1:8000")
	newListener(t, stack, "127.0.0.1:8000")

	c := newTCP(t, stack, WithTimeout(0))
	err := c.Connect(lnAddr)
	require.ErrorIs(t, err, netstack.ErrInProgress)

	// 连接在栈里已经完成，重试报告 already-connected。
	err = c.Connect(lnAddr)
	require.ErrorIs(t, err, netstack.ErrIsConnected)
}

func TestTCPConnectRefused(t *testing.T) {
	stack := memstack.New()
	c := newTCP(t, stack)
	err := c.Connect(netip.MustParseAddrPort("127.0.0.1:1"))
	require.ErrorIs(t, err, netstack.ErrNoConnection)
}

func TestTCPConnectHost(t *testing.T) {
	stack := memstack.New()
	stack.AddHost("server.local", netip.MustParseAddr("127.0.0.1"))
	newListener(t, stack, "127.0.0.1:8000")

	c := newTCP(t, stack)
	require.NoError(t, c.ConnectHost("server.local", 8000))

	require.ErrorIs(t, newTCP(t, stack).ConnectHost("nope.local", 8000), netstack.ErrDNSFailure)
}

func TestTCPAcceptAndEcho(t *testing.T) {
	stack := memstack.New()
	ln := newListener(t, stack, "127.0.0.1:8000")

	c := newTCP(t, stack)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("127.0.0.1:8000")))

	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	n, err := c.Send([]byte("echo?"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = conn.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "echo?", string(buf[:n]))

	_, err = conn.Send(buf[:n])
	require.NoError(t, err)
	n, err = c.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "echo?", string(buf[:n]))
}

func TestTCPAcceptNonBlockingEmptyBacklog(t *testing.T) {
	stack := memstack.New()
	ln := newListener(t, stack, "127.0.0.1:8000")
	ln.SetBlocking(false)

	_, err := ln.Accept()
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestTCPSendBlocksUntilUnblocked(t *testing.T) {
	stack := memstack.New()
	newListener(t, stack, "127.0.0.1:8000")
	c := newTCP(t, stack)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("127.0.0.1:8000")))

	h := tcpHandleOf(t, c)
	stack.SetSendBlocked(h, true)

	// Non-blocking mode surfaces would-block instantly.
	c.SetBlocking(false)
	_, err := c.Send([]byte("stuck"))
	require.ErrorIs(t, err, netstack.ErrWouldBlock)

	// Blocking mode waits until the stack frees up.
	c.SetBlocking(true)
	done := make(chan error, 1)
	go func() {
		_, err := c.Send([]byte("stuck"))
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("send returned while the stack was still blocked")
	default:
	}

	stack.SetSendBlocked(h, false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unblocking the stack did not wake the sender")
	}
}

func TestTCPRecvEOFOnPeerClose(t *testing.T) {
	stack := memstack.New()
	ln := newListener(t, stack, "127.0.0.1:8000")
	c := newTCP(t, stack)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("127.0.0.1:8000")))

	conn, err := ln.Accept()
	require.NoError(t, err)
	_, err = conn.Send([]byte("final"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	buf := make([]byte, 16)
	n, err := c.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "final", string(buf[:n]))

	// Orderly shutdown: zero bytes, nil error.
	n, err = c.Recv(buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTCPRecvTimeout(t *testing.T) {
	stack := memstack.New()
	newListener(t, stack, "127.0.0.1:8000")
	c := newTCP(t, stack, WithTimeout(100*time.Millisecond))
	require.NoError(t, c.Connect(netip.MustParseAddrPort("127.0.0.1:8000")))

	start := time.Now()
	_, err := c.Recv(make([]byte, 8))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, netstack.ErrWouldBlock)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func tcpHandleOf(t *testing.T, s *TCPSocket) netstack.SockHandle {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.handle)
	return s.handle
}
