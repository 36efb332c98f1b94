package socket

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxxorcat/nbsock/memstack"
	"github.com/foxxorcat/nbsock/netstack"
)

func newBoundUDP(t *testing.T, stack *memstack.Stack, addr string, opts ...Option) *UDPSocket {
	t.Helper()
	s := NewUDP(opts...)
	require.NoError(t, s.Open(stack))
	t.Cleanup(func() { s.Close() })
	if addr != "" {
		require.NoError(t, s.Bind(netip.MustParseAddrPort(addr)))
	}
	return s
}

// handleOf digs out the native handle so tests can drive memstack's knobs
// against it.
func handleOf(t *testing.T, s *UDPSocket) netstack.SockHandle {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.handle)
	return s.handle
}

func TestUDPNonBlockingRecvReturnsImmediately(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000", WithTimeout(0))

	start := time.Now()
	_, err := s.Recv(make([]byte, 32))
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestUDPRecvTimeoutElapses(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000", WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := s.Recv(make([]byte, 32))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, netstack.ErrWouldBlock)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestUDPBlockingRecvWokenByArrival(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")
	peer := newBoundUDP(t, stack, "127.0.0.1:7001")

	type result struct {
		n    int
		from netip.AddrPort
		err  error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, from, err := s.RecvFrom(buf)
		got <- result{n, from, err}
	}()

	time.Sleep(30 * time.Millisecond) // let the reader block
	_, err := peer.SendTo(netip.MustParseAddrPort("127.0.0.1:7000"), []byte("wake"))
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, 4, r.n)
		require.Equal(t, netip.MustParseAddrPort("127.0.0.1:7001"), r.from)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receiver was not woken by datagram arrival")
	}
}

func TestUDPSendWithoutPeer(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	_, err := s.Send([]byte("nowhere"))
	require.ErrorIs(t, err, netstack.ErrNoAddress)
}

func TestUDPConnectPinsPeerForSend(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")
	dst := newBoundUDP(t, stack, "127.0.0.1:7001")

	require.NoError(t, s.Connect(netip.MustParseAddrPort("127.0.0.1:7001")))
	n, err := s.Send([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	buf := make([]byte, 16)
	n, err = dst.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestUDPPeerFilterDropsForeignDatagrams(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	wanted := netip.MustParseAddrPort("10.0.0.1:6000")
	stranger := netip.MustParseAddrPort("10.0.0.2:6000")
	require.NoError(t, s.Connect(wanted))

	// 先塞入若干来自陌生来源的数据报，再塞目标来源的;过滤循环必须
	// 原地丢弃前者并最终只交付后者。
	require.NoError(t, stack.Inject(handleOf(t, s), stranger, []byte("noise-1")))
	require.NoError(t, stack.Inject(handleOf(t, s), stranger, []byte("noise-2")))
	require.NoError(t, stack.Inject(handleOf(t, s), wanted, []byte("signal")))

	buf := make([]byte, 32)
	n, from, err := s.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "signal", string(buf[:n]))
	require.Equal(t, wanted, from)
}

func TestUDPPeerFilterKeepsWaitingOnOnlyForeignTraffic(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000", WithTimeout(100*time.Millisecond))

	require.NoError(t, s.Connect(netip.MustParseAddrPort("10.0.0.1:6000")))
	require.NoError(t, stack.Inject(handleOf(t, s), netip.MustParseAddrPort("10.0.0.2:6000"), []byte("noise")))

	_, err := s.Recv(make([]byte, 32))
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestUDPListenAcceptUnsupported(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "")

	require.ErrorIs(t, s.Listen(1), netstack.ErrUnsupported)
	_, err := s.Accept()
	require.ErrorIs(t, err, netstack.ErrUnsupported)
}

func TestUDPSendToHostResolvesThroughStack(t *testing.T) {
	stack := memstack.New()
	stack.AddHost("sink.local", netip.MustParseAddr("127.0.0.1"))
	s := newBoundUDP(t, stack, "127.0.0.1:7000")
	dst := newBoundUDP(t, stack, "127.0.0.1:7001")

	n, err := s.SendToHost("sink.local", 7001, []byte("named"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = dst.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "named", string(buf[:n]))

	_, err = s.SendToHost("ghost.local", 7001, []byte("x"))
	require.ErrorIs(t, err, netstack.ErrDNSFailure)
}

func TestUDPConcurrentSendRecv(t *testing.T) {
	stack := memstack.New()
	a := newBoundUDP(t, stack, "127.0.0.1:7000")
	b := newBoundUDP(t, stack, "127.0.0.1:7001")

	const count = 32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			_, err := a.SendTo(netip.MustParseAddrPort("127.0.0.1:7001"), []byte{byte(i)})
			require.NoError(t, err)
		}
	}()
	received := 0
	go func() {
		defer wg.Done()
		buf := make([]byte, 8)
		for i := 0; i < count; i++ {
			_, err := b.Recv(buf)
			if err != nil {
				return
			}
			received++
		}
	}()
	wg.Wait()
	require.Equal(t, count, received)
}
