//go:build !unix

package hostnet

import (
	"net/netip"
	"syscall"

	"github.com/foxxorcat/nbsock/netstack"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}

func setBroadcast(sc syscall.Conn, on bool) error {
	return netstack.ErrUnsupported
}

func joinGroup(sc syscall.Conn, group netip.Addr) error {
	return netstack.ErrUnsupported
}

func leaveGroup(sc syscall.Conn, group netip.Addr) error {
	return netstack.ErrUnsupported
}
