package socket

import (
	"errors"
	"net/netip"

	"github.com/foxxorcat/nbsock/netstack"
)

// TCPSocket is a connection-oriented stream socket. Its Send writes the
// whole buffer when blocking: unlike receive, a blocking send only returns
// early on error, surfacing would-block solely when nothing at all could be
// written.
type TCPSocket struct {
	sock
}

func NewTCP(opts ...Option) *TCPSocket {
	s := &TCPSocket{}
	s.init(netstack.TCP, opts...)
	return s
}

// Connect drives the stack's non-blocking connect to completion. While the
// stack reports in-progress the call waits for writability and retries; a
// retry that lands on "already connected" after we started the connect in
// this call is translated to success.
func (s *TCPSocket) Connect(addr netip.AddrPort) error {
	s.mu.Lock()
	s.writers++

	var (
		ret        error
		inProgress bool
	)
	for {
		if s.handle == nil {
			ret = netstack.ErrNoSocket
			break
		}

		s.pending.Store(0)
		ret = s.stack.Connect(s.handle, addr)
		if s.timeout == 0 || !netstack.IsInProgress(ret) {
			break
		}
		inProgress = true

		timeout := s.timeout
		s.mu.Unlock()
		_, werr := s.flags.WaitAny(flagWrite, timeout)
		s.mu.Lock()
		if werr != nil {
			// Timed out mid-connect; surface the in-progress result.
			break
		}
	}

	s.writers--
	if s.handle == nil || s.writers == 0 {
		s.flags.Set(flagFinished)
	}

	if errors.Is(ret, netstack.ErrIsConnected) && inProgress {
		ret = nil
	}
	if ret == nil || errors.Is(ret, netstack.ErrInProgress) {
		s.peer = addr
	}
	s.mu.Unlock()
	return ret
}

// ConnectHost resolves host through the stack and connects to it.
func (s *TCPSocket) ConnectHost(host string, port uint16) error {
	addr, err := s.resolve(host)
	if err != nil {
		return err
	}
	return s.Connect(netip.AddrPortFrom(addr, port))
}

func (s *TCPSocket) Send(p []byte) (int, error) {
	s.mu.Lock()
	s.writers++

	var (
		ret     error
		written int
	)
	for {
		if s.handle == nil {
			ret = netstack.ErrNoSocket
			break
		}

		s.pending.Store(0)
		n, err := s.stack.Send(s.handle, p[written:])
		if err == nil {
			written += n
			if written >= len(p) {
				ret = nil
				break
			}
		}
		if s.timeout == 0 {
			ret = err
			break
		}
		if netstack.IsWouldBlock(err) {
			timeout := s.timeout
			s.mu.Unlock()
			_, werr := s.flags.WaitAny(flagWrite, timeout)
			s.mu.Lock()
			if werr != nil {
				ret = netstack.ErrWouldBlock
				break
			}
		} else if err != nil {
			ret = err
			break
		}
	}

	s.writers--
	if s.handle == nil || s.writers == 0 {
		s.flags.Set(flagFinished)
	}
	s.mu.Unlock()

	if ret != nil && !netstack.IsWouldBlock(ret) {
		return 0, ret
	}
	if written == 0 {
		return 0, netstack.ErrWouldBlock
	}
	return written, nil
}

// Recv reads up to len(p) bytes. It returns 0 with a nil error when the
// peer has performed an orderly shutdown.
func (s *TCPSocket) Recv(p []byte) (int, error) {
	return s.retry(&s.readers, flagRead, func(handle netstack.SockHandle) (int, error) {
		return s.stack.Recv(handle, p)
	})
}

// SendTo ignores the address on a connected stream.
func (s *TCPSocket) SendTo(_ netip.AddrPort, p []byte) (int, error) {
	return s.Send(p)
}

// RecvFrom reports the connected peer as the source.
func (s *TCPSocket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	n, err := s.Recv(p)
	return n, peer, err
}

func (s *TCPSocket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return netstack.ErrNoSocket
	}
	return s.stack.Listen(s.handle, backlog)
}

// Accept waits for an inbound connection and returns a socket owning it.
func (s *TCPSocket) Accept() (Socket, error) {
	var conn *TCPSocket
	_, err := s.retry(&s.readers, flagRead, func(handle netstack.SockHandle) (int, error) {
		accepted, peer, err := s.stack.Accept(handle)
		if err != nil {
			return 0, err
		}
		conn = NewTCP(WithTimeout(s.timeout), WithLogger(s.logger))
		conn.adopt(s.stack, accepted, peer)
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ Socket = (*TCPSocket)(nil)
