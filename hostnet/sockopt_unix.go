//go:build unix

package hostnet

import (
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/foxxorcat/nbsock/netstack"
)

func controlFd(sc syscall.Conn, fn func(fd int) error) error {
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

// reuseAddrControl is a net.ListenConfig control applying SO_REUSEADDR
// before the socket binds.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}

func setBroadcast(sc syscall.Conn, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return controlFd(sc, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, v)
	})
}

func joinGroup(sc syscall.Conn, group netip.Addr) error {
	return memberGroup(sc, group, true)
}

func leaveGroup(sc syscall.Conn, group netip.Addr) error {
	return memberGroup(sc, group, false)
}

func memberGroup(sc syscall.Conn, group netip.Addr, join bool) error {
	switch {
	case group.Is4() || group.Is4In6():
		mreq := &unix.IPMreq{Multiaddr: group.Unmap().As4()}
		opt := unix.IP_ADD_MEMBERSHIP
		if !join {
			opt = unix.IP_DROP_MEMBERSHIP
		}
		return controlFd(sc, func(fd int) error {
			return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, opt, mreq)
		})
	case group.Is6():
		mreq := &unix.IPv6Mreq{Multiaddr: group.As16()}
		opt := unix.IPV6_JOIN_GROUP
		if !join {
			opt = unix.IPV6_LEAVE_GROUP
		}
		return controlFd(sc, func(fd int) error {
			return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, opt, mreq)
		})
	default:
		return netstack.ErrParameter
	}
}
