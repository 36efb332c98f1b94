package tlssock

import (
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"

	"github.com/bifurcation/mint"

	"github.com/foxxorcat/nbsock/netstack"
)

// MintEngine backs the Engine contract with the mint TLS 1.3 stack in
// non-blocking mode: mint's Handshake() reports AlertWouldBlock whenever
// the transport cannot progress, which maps directly onto the wrapper's
// retry discipline.
func MintEngine(transport io.ReadWriter, cfg *Config) (Engine, error) {
	mcfg := &mint.Config{
		ServerName:         cfg.Hostname,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NonBlocking:        true,
	}
	if len(cfg.ClientChain) > 0 {
		mcfg.Certificates = []*mint.Certificate{{
			Chain:      cfg.ClientChain,
			PrivateKey: cfg.ClientKey,
		}}
	}
	conn := mint.NewConn(&engineConn{rw: transport}, mcfg, true)
	return &mintEngine{conn: conn}, nil
}

type mintEngine struct {
	conn *mint.Conn
}

func (e *mintEngine) Step() error {
	switch alert := e.conn.Handshake(); alert {
	case mint.AlertNoAlert:
		return nil
	case mint.AlertWouldBlock:
		return netstack.ErrWouldBlock
	default:
		return &netstack.EngineError{Code: int(alert), Err: alert}
	}
}

func (e *mintEngine) Read(p []byte) (int, error) {
	n, err := e.conn.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, mint.AlertWouldBlock):
		return n, netstack.ErrWouldBlock
	case errors.Is(err, io.EOF) || errors.Is(err, mint.AlertCloseNotify):
		return 0, nil // orderly shutdown
	default:
		return n, engineFailure(err)
	}
}

func (e *mintEngine) Write(p []byte) (int, error) {
	n, err := e.conn.Write(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, mint.AlertWouldBlock):
		return n, netstack.ErrWouldBlock
	default:
		return n, engineFailure(err)
	}
}

func (e *mintEngine) PeerCertificates() []*x509.Certificate {
	return e.conn.ConnectionState().PeerCertificates
}

func (e *mintEngine) Close() error {
	return e.conn.Close()
}

func engineFailure(err error) error {
	var alert mint.Alert
	if errors.As(err, &alert) {
		return &netstack.EngineError{Code: int(alert), Err: err}
	}
	return &netstack.EngineError{Err: err}
}

// engineConn dresses the transport bridge up as a net.Conn for mint,
// translating the socket layer's would-block sentinel into mint's and the
// bridge's zero-byte orderly shutdown into io.EOF. Address and deadline
// methods are stubs: mint in non-blocking mode never consults them.
type engineConn struct {
	rw io.ReadWriter
}

func (c *engineConn) Read(p []byte) (int, error) {
	n, err := c.rw.Read(p)
	if netstack.IsWouldBlock(err) {
		return n, mint.AlertWouldBlock
	}
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (c *engineConn) Write(p []byte) (int, error) {
	n, err := c.rw.Write(p)
	if netstack.IsWouldBlock(err) {
		return n, mint.AlertWouldBlock
	}
	return n, err
}

func (c *engineConn) Close() error                     { return nil }
func (c *engineConn) LocalAddr() net.Addr              { return nil }
func (c *engineConn) RemoteAddr() net.Addr             { return nil }
func (c *engineConn) SetDeadline(time.Time) error      { return nil }
func (c *engineConn) SetReadDeadline(time.Time) error  { return nil }
func (c *engineConn) SetWriteDeadline(time.Time) error { return nil }
