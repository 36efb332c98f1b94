// Package tlssock layers a TLS session on top of any socket.Socket. The
// handshake is driven through the same non-blocking retry discipline the
// socket layer uses: each step either completes, fails fatally, or reports
// would-block, in which case the wrapper waits for transport readiness and
// steps again.
package tlssock

import (
	"crypto"
	"crypto/x509"
	"io"

	"github.com/foxxorcat/nbsock/socket"
)

// Engine is the security protocol engine consumed by the wrapper: record
// layer, cipher suites and certificate verification are its business. Its
// I/O runs through the transport it was bound to at construction, which
// reports netstack.ErrWouldBlock instead of blocking, so the engine itself
// can be driven in steps.
type Engine interface {
	// Step advances the handshake. It returns nil once the session is
	// established, netstack.ErrWouldBlock while more transport I/O is
	// needed, and any other error on fatal failure.
	Step() error

	// Read and Write move application data through the record layer once
	// the handshake is complete. Both report netstack.ErrWouldBlock when
	// the transport cannot progress; Read returns 0 with a nil error on
	// an orderly peer shutdown.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// PeerCertificates reports the identity the peer presented, for
	// post-handshake verification.
	PeerCertificates() []*x509.Certificate

	// Close tears the engine down, sending a session-close notification
	// if the transport still accepts one.
	Close() error
}

// EngineFactory constructs an engine bound to transport. The configuration
// is fully resolved by the wrapper before the factory runs.
type EngineFactory func(transport io.ReadWriter, cfg *Config) (Engine, error)

// Config carries the security material and identity settings handed to the
// engine. It may be caller-supplied (borrowed) or wrapper-allocated.
type Config struct {
	// Hostname is the expected peer identity, used for certificate
	// verification.
	Hostname string

	// RootCAs is the trust-anchor set for verifying the peer chain.
	RootCAs *x509.CertPool

	// ClientChain and ClientKey form the optional client credential.
	ClientChain []*x509.Certificate
	ClientKey   crypto.Signer

	// InsecureSkipVerify disables chain verification. Testing only.
	InsecureSkipVerify bool
}

// transportIO adapts a socket.Socket to the engine's I/O callbacks. The
// wrapper puts the transport in non-blocking mode, so both directions
// surface netstack.ErrWouldBlock instead of blocking; the wrapper's own
// retry loop supplies the waiting.
type transportIO struct {
	s socket.Socket
}

func (t transportIO) Read(p []byte) (int, error) {
	return t.s.Recv(p)
}

func (t transportIO) Write(p []byte) (int, error) {
	return t.s.Send(p)
}
