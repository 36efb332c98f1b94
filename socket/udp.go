package socket

import (
	"net/netip"

	"github.com/foxxorcat/nbsock/netstack"
)

// UDPSocket is a connection-optional, per-packet-addressed socket. Connect
// records a peer without performing network I/O; once a peer is set, inbound
// datagrams from any other source are silently discarded and the receive
// loop keeps waiting.
type UDPSocket struct {
	sock
}

func NewUDP(opts ...Option) *UDPSocket {
	s := &UDPSocket{}
	s.init(netstack.UDP, opts...)
	return s
}

// Connect records addr as the peer for unaddressed Send/Recv and enables
// peer filtering on receive. No traffic is exchanged.
func (s *UDPSocket) Connect(addr netip.AddrPort) error {
	s.mu.Lock()
	s.peer = addr
	s.mu.Unlock()
	return nil
}

// SendTo transmits one datagram to addr, blocking per the configured
// timeout while the stack reports would-block.
func (s *UDPSocket) SendTo(addr netip.AddrPort, p []byte) (int, error) {
	return s.retry(&s.writers, flagWrite, func(handle netstack.SockHandle) (int, error) {
		return s.stack.SendTo(handle, addr, p)
	})
}

// SendToHost resolves host through the stack, then delegates to SendTo.
func (s *UDPSocket) SendToHost(host string, port uint16, p []byte) (int, error) {
	addr, err := s.resolve(host)
	if err != nil {
		return 0, err
	}
	return s.SendTo(netip.AddrPortFrom(addr, port), p)
}

// Send transmits to the connected peer; it fails with ErrNoAddress when no
// peer has been recorded.
func (s *UDPSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if !peer.IsValid() {
		return 0, netstack.ErrNoAddress
	}
	return s.SendTo(peer, p)
}

// RecvFrom receives one datagram and reports its source. With a connected
// peer, datagrams from other sources are dropped inside the retry loop:
// they neither surface to the caller nor count as a wait.
func (s *UDPSocket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	var src netip.AddrPort
	n, err := s.retry(&s.readers, flagRead, func(handle netstack.SockHandle) (int, error) {
		n, from, err := s.stack.RecvFrom(handle, p)
		if err == nil && s.peer.IsValid() && from != s.peer {
			return 0, errFiltered
		}
		src = from
		return n, err
	})
	return n, src, err
}

func (s *UDPSocket) Recv(p []byte) (int, error) {
	n, _, err := s.RecvFrom(p)
	return n, err
}

// Listen is not meaningful for datagram transports.
func (s *UDPSocket) Listen(int) error {
	return netstack.ErrUnsupported
}

// Accept is not meaningful for datagram transports.
func (s *UDPSocket) Accept() (Socket, error) {
	return nil, netstack.ErrUnsupported
}

var _ Socket = (*UDPSocket)(nil)
