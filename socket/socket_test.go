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

func TestOpenTwiceRejected(t *testing.T) {
	stack := memstack.New()
	s := NewUDP()
	require.NoError(t, s.Open(stack))
	defer s.Close()
	require.ErrorIs(t, s.Open(stack), netstack.ErrParameter)
}

func TestOperationsWithoutOpen(t *testing.T) {
	s := NewUDP()
	_, err := s.SendTo(netip.MustParseAddrPort("127.0.0.1:1"), []byte("x"))
	require.ErrorIs(t, err, netstack.ErrNoSocket)
	_, err = s.Recv(make([]byte, 1))
	require.ErrorIs(t, err, netstack.ErrNoSocket)
	require.ErrorIs(t, s.Bind(netip.MustParseAddrPort("127.0.0.1:1")), netstack.ErrNoSocket)
}

func TestCloseIsIdempotent(t *testing.T) {
	stack := memstack.New()
	s := NewUDP()
	require.NoError(t, s.Open(stack))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestCloseWakesBlockedReader(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	got := make(chan error, 1)
	go func() {
		_, err := s.Recv(make([]byte, 8))
		got <- err
	}()

	time.Sleep(30 * time.Millisecond) // let the reader park
	require.NoError(t, s.Close())

	select {
	case err := <-got:
		require.ErrorIs(t, err, netstack.ErrNoSocket)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake the blocked reader")
	}
}

func TestCloseWakesManyWaiters(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	const waiters = 6
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Recv(make([]byte, 8))
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not drain all blocked waiters")
	}
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, netstack.ErrNoSocket)
	}
}

func TestOperationAfterClose(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")
	require.NoError(t, s.Close())

	_, err := s.Recv(make([]byte, 8))
	require.ErrorIs(t, err, netstack.ErrNoSocket)
	_, err = s.SendTo(netip.MustParseAddrPort("127.0.0.1:7001"), []byte("x"))
	require.ErrorIs(t, err, netstack.ErrNoSocket)
}

func TestSigioSubscribersStack(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	var mu sync.Mutex
	var first, second int
	cancel := s.Sigio(func() { mu.Lock(); first++; mu.Unlock() })
	s.Sigio(func() { mu.Lock(); second++; mu.Unlock() })

	require.NoError(t, stack.Inject(handleOf(t, s), netip.MustParseAddrPort("10.0.0.1:1"), []byte("a")))

	mu.Lock()
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
	mu.Unlock()

	// 取消一个订阅不影响另一个。
	cancel()
	buf := make([]byte, 8)
	_, err := s.Recv(buf) // drain so the next inject is a fresh edge
	require.NoError(t, err)
	require.NoError(t, stack.Inject(handleOf(t, s), netip.MustParseAddrPort("10.0.0.1:1"), []byte("b")))

	mu.Lock()
	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
	mu.Unlock()
}

func TestSetTimeoutNegativeMeansForever(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")
	s.SetTimeout(-5 * time.Second)

	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	require.Equal(t, Forever, timeout)
}

func TestOptionsRoundTripThroughStack(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	require.NoError(t, s.SetOption(netstack.LevelSocket, netstack.OptBroadcast, true))
	v, err := s.Option(netstack.LevelSocket, netstack.OptBroadcast)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestMulticastGroupOptions(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	group := netip.MustParseAddr("224.0.0.251")
	require.NoError(t, s.JoinMulticastGroup(group))
	v, err := s.Option(netstack.LevelSocket, netstack.OptAddMembership)
	require.NoError(t, err)
	require.Equal(t, group, v)
	require.NoError(t, s.LeaveMulticastGroup(group))
}

func TestPeerNameStates(t *testing.T) {
	stack := memstack.New()
	s := newBoundUDP(t, stack, "127.0.0.1:7000")

	_, err := s.PeerName()
	require.ErrorIs(t, err, netstack.ErrNoConnection)

	peer := netip.MustParseAddrPort("10.0.0.1:9")
	require.NoError(t, s.Connect(peer))
	got, err := s.PeerName()
	require.NoError(t, err)
	require.Equal(t, peer, got)

	require.NoError(t, s.Close())
	_, err = s.PeerName()
	require.ErrorIs(t, err, netstack.ErrNoSocket)
}
