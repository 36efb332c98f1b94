package tlssock

import (
	"crypto"
	"crypto/x509"
	"errors"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foxxorcat/nbsock/netstack"
	"github.com/foxxorcat/nbsock/poll"
	"github.com/foxxorcat/nbsock/socket"
)

// TransportControl decides how much of the wrapped transport's lifecycle
// the wrapper owns.
type TransportControl int

const (
	// TransportKeep leaves connect and close entirely to the caller.
	TransportKeep TransportControl = iota
	// TransportConnectAndClose makes the wrapper both connect the
	// transport before handshaking and close it on wrapper close.
	TransportConnectAndClose
	// TransportConnect makes the wrapper connect but never close.
	TransportConnect
	// TransportClose makes the wrapper close but never connect.
	TransportClose
)

func (c TransportControl) connects() bool {
	return c == TransportConnect || c == TransportConnectAndClose
}

func (c TransportControl) closes() bool {
	return c == TransportClose || c == TransportConnectAndClose
}

// State is the wrapper's handshake progress. Transitions only move forward,
// except that StateFailed and StateClosed are reachable from anywhere.
type State int

const (
	StateUninitialized State = iota
	StateTransportPending
	StateHandshaking
	StateEstablished
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTransportPending:
		return "transport-pending"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	flagRead uint32 = 1 << iota
	flagWrite
)

// clientCredential pairs a certificate chain with its signing key.
type clientCredential struct {
	chain []*x509.Certificate
	key   crypto.Signer
}

// Wrapper layers a TLS session over an existing transport socket. It drives
// the protocol engine's handshake in non-blocking steps, waiting between
// steps on readiness events intercepted from the transport, and once
// established routes Send/Recv through the engine's record layer.
//
// 包装器自身的锁只保护状态机与安全材料；I/O 原语的互斥仍由被包装的
// transport 自己的锁提供。
type Wrapper struct {
	mu        sync.Mutex
	transport socket.Socket
	control   TransportControl
	state     State
	hostname  string
	timeout   time.Duration

	conf material[*Config]
	ca   material[*x509.CertPool]
	cred material[*clientCredential]

	factory EngineFactory
	engine  Engine

	// awaitingTransport is set while a non-blocking transport connect is
	// outstanding, so a caller retry waits for completion instead of
	// issuing a duplicate connect.
	awaitingTransport bool

	flags       poll.Flags
	sigio       poll.Notifier
	cancelSigio func()

	logger *zap.Logger
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithHostname sets the peer identity to verify during the handshake.
func WithHostname(name string) Option {
	return func(w *Wrapper) { w.hostname = name }
}

// WithControl overrides the default TransportConnectAndClose ownership.
func WithControl(c TransportControl) Option {
	return func(w *Wrapper) { w.control = c }
}

// WithEngine substitutes the protocol engine factory. The default is
// MintEngine.
func WithEngine(factory EngineFactory) Option {
	return func(w *Wrapper) { w.factory = factory }
}

// WithLogger attaches a logger for teardown diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Wrapper) { w.logger = logger }
}

// Wrap binds a wrapper to transport. The wrapper subscribes to the
// transport's readiness events immediately; events are used to advance the
// handshake and are always forwarded to the wrapper's own subscribers.
func Wrap(transport socket.Socket, opts ...Option) *Wrapper {
	w := &Wrapper{
		transport: transport,
		control:   TransportConnectAndClose,
		timeout:   socket.Forever,
		factory:   MintEngine,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.cancelSigio = transport.Sigio(w.event)
	return w
}

// event intercepts transport readiness: it wakes any goroutine blocked in
// a handshake or record-layer wait, then forwards the event. Forwarding is
// unconditional: the application sees every transport event regardless of
// handshake phase.
func (w *Wrapper) event() {
	w.flags.Set(flagRead | flagWrite)
	w.sigio.Notify()
}

// State reports the current handshake state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connect starts, or resumes, the TLS session establishment towards
// addr. With a connecting TransportControl the transport connect is issued
// exactly once; callers in non-blocking mode see ErrInProgress on the call
// that started it and ErrWouldBlock on later calls until the handshake
// completes. The call is idempotent once established.
func (w *Wrapper) Connect(addr netip.AddrPort) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	first := w.state == StateUninitialized
	for {
		switch w.state {
		case StateEstablished:
			return nil

		case StateFailed, StateClosed:
			return netstack.ErrInvalidState

		case StateUninitialized:
			w.state = StateTransportPending
			if !w.control.connects() {
				continue
			}
			w.mu.Unlock()
			err := w.transport.Connect(addr)
			w.mu.Lock()
			if w.state != StateTransportPending {
				return netstack.ErrInvalidState
			}
			switch {
			case err == nil, errors.Is(err, netstack.ErrIsConnected):
			case netstack.IsInProgress(err):
				w.awaitingTransport = true
				if w.timeout == 0 {
					return netstack.ErrInProgress
				}
			default:
				w.state = StateUninitialized
				return err
			}

		case StateTransportPending:
			if w.awaitingTransport {
				// Probe the transport again: it reports ErrIsConnected
				// once the in-progress connect has landed.
				w.mu.Unlock()
				err := w.transport.Connect(addr)
				w.mu.Lock()
				if w.state != StateTransportPending {
					return netstack.ErrInvalidState
				}
				switch {
				case err == nil, errors.Is(err, netstack.ErrIsConnected):
					w.awaitingTransport = false
				case netstack.IsInProgress(err):
					if w.timeout == 0 {
						return netstack.ErrWouldBlock
					}
					timeout := w.timeout
					w.mu.Unlock()
					_, werr := w.flags.WaitAny(flagWrite, timeout)
					w.mu.Lock()
					if w.state != StateTransportPending {
						return netstack.ErrInvalidState
					}
					if werr != nil {
						return netstack.ErrWouldBlock
					}
					continue
				default:
					w.failLocked(err)
					return err
				}
			}
			if err := w.initEngineLocked(); err != nil {
				w.failLocked(err)
				return err
			}
			w.state = StateHandshaking

		case StateHandshaking:
			return w.stepHandshakeLocked(first)
		}
	}
}

// initEngineLocked resolves the effective configuration and constructs the
// protocol engine bound to the transport. The transport is switched to
// non-blocking mode: from here on, all waiting happens at wrapper level.
func (w *Wrapper) initEngineLocked() error {
	base, ok := w.conf.get()
	if !ok {
		base = &Config{}
		w.conf = alloc(base, func() {
			w.logger.Debug("tlssock: releasing wrapper-allocated config")
		})
	}

	cfg := *base
	if w.hostname != "" {
		cfg.Hostname = w.hostname
	}
	if ca, ok := w.ca.get(); ok {
		cfg.RootCAs = ca
	}
	if cred, ok := w.cred.get(); ok {
		cfg.ClientChain = cred.chain
		cfg.ClientKey = cred.key
	}

	w.transport.SetTimeout(0)
	engine, err := w.factory(transportIO{s: w.transport}, &cfg)
	if err != nil {
		return err
	}
	w.engine = engine
	return nil
}

// stepHandshakeLocked drives the engine until it finishes, fails, or the
// configured timeout elapses on a would-block step.
func (w *Wrapper) stepHandshakeLocked(first bool) error {
	for {
		err := w.engine.Step()
		if err == nil {
			w.state = StateEstablished
			return nil
		}
		if !netstack.IsWouldBlock(err) {
			w.failLocked(err)
			return err
		}
		if w.timeout == 0 {
			if first {
				return netstack.ErrInProgress
			}
			return netstack.ErrWouldBlock
		}

		timeout := w.timeout
		w.mu.Unlock()
		_, werr := w.flags.WaitAny(flagRead|flagWrite, timeout)
		w.mu.Lock()
		if w.state != StateHandshaking {
			return netstack.ErrInvalidState
		}
		if werr != nil {
			return netstack.ErrWouldBlock
		}
	}
}

// failLocked moves the wrapper to its terminal failed state, releasing the
// engine and every wrapper-allocated piece of security material, and the
// transport when the control mode says so. Errors here are logged and
// swallowed so teardown always completes.
func (w *Wrapper) failLocked(cause error) {
	w.logger.Debug("tlssock: session failed", zap.Error(cause), zap.Stringer("state", w.state))
	w.state = StateFailed
	w.teardownLocked()
}

func (w *Wrapper) teardownLocked() {
	if w.engine != nil {
		if err := w.engine.Close(); err != nil {
			w.logger.Debug("tlssock: engine close failed", zap.Error(err))
		}
		w.engine = nil
	}
	w.conf.drop()
	w.ca.drop()
	w.cred.drop()
	if w.cancelSigio != nil {
		w.cancelSigio()
		w.cancelSigio = nil
	}
	if w.control.closes() {
		transport := w.transport
		w.mu.Unlock()
		err := transport.Close()
		w.mu.Lock()
		if err != nil {
			w.logger.Debug("tlssock: transport close failed", zap.Error(err))
		}
	}
	// Wake anything still blocked in a wait; it re-checks state.
	w.flags.Set(flagRead | flagWrite)
}

// Close tears the session down: engine first, then owned security
// material, then the transport when the wrapper controls it. Safe after
// partial construction and idempotent.
func (w *Wrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateClosed {
		return nil
	}
	w.state = StateClosed
	w.teardownLocked()
	return nil
}

// Send writes application data through the record layer. The session must
// be established.
func (w *Wrapper) Send(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recordOpLocked(flagWrite, func() (int, error) {
		return w.engine.Write(p)
	})
}

// Recv reads application data through the record layer. It returns 0 with
// a nil error when the peer has closed the session in an orderly way.
func (w *Wrapper) Recv(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recordOpLocked(flagRead, func() (int, error) {
		return w.engine.Read(p)
	})
}

func (w *Wrapper) recordOpLocked(flag uint32, op func() (int, error)) (int, error) {
	if w.state != StateEstablished {
		return 0, netstack.ErrNoConnection
	}
	for {
		n, err := op()
		if !netstack.IsWouldBlock(err) {
			return n, err
		}
		if w.timeout == 0 {
			return 0, netstack.ErrWouldBlock
		}

		timeout := w.timeout
		w.mu.Unlock()
		_, werr := w.flags.WaitAny(flag, timeout)
		w.mu.Lock()
		if w.state != StateEstablished {
			return 0, netstack.ErrNoSocket
		}
		if werr != nil {
			return 0, netstack.ErrWouldBlock
		}
	}
}

// PeerCertificates reports the certificate chain the peer presented, once
// established.
func (w *Wrapper) PeerCertificates() ([]*x509.Certificate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateEstablished || w.engine == nil {
		return nil, netstack.ErrNoConnection
	}
	return w.engine.PeerCertificates(), nil
}

// --- security-material setters ---

// settableLocked guards configuration changes: security material may only
// be installed before the first handshake step constructs the engine.
func (w *Wrapper) settableLocked() error {
	if w.state == StateUninitialized || w.state == StateTransportPending {
		return nil
	}
	return netstack.ErrInvalidState
}

// SetHostname sets the peer identity used for certificate verification.
// Must be called before the handshake starts.
func (w *Wrapper) SetHostname(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	w.hostname = name
	return nil
}

// SetRootCA installs trust anchors from raw certificate data, in DER or
// PEM form. The resulting pool is wrapper-allocated: it is released on
// close.
func (w *Wrapper) SetRootCA(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	w.ca.drop()
	w.ca = alloc(pool, func() {
		w.logger.Debug("tlssock: releasing wrapper-allocated trust anchors")
	})
	return nil
}

// SetRootCAPEM installs trust anchors from a PEM string.
func (w *Wrapper) SetRootCAPEM(pemData string) error {
	if !looksLikePEM([]byte(pemData)) {
		return netstack.ErrParameter
	}
	return w.SetRootCA([]byte(pemData))
}

// SetRootCAPool installs a caller-owned trust-anchor pool. The wrapper
// never releases it.
func (w *Wrapper) SetRootCAPool(pool *x509.CertPool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	if pool == nil {
		return netstack.ErrParameter
	}
	w.ca.drop()
	w.ca = borrow(pool)
	return nil
}

// SetClientCertKey installs a client credential from raw certificate and
// private-key data, each in DER or PEM form. The parsed credential is
// wrapper-allocated.
func (w *Wrapper) SetClientCertKey(cert, key []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	chain, err := parseCertificates(cert)
	if err != nil {
		return err
	}
	signer, err := parsePrivateKey(key)
	if err != nil {
		return err
	}
	w.cred.drop()
	w.cred = alloc(&clientCredential{chain: chain, key: signer}, func() {
		w.logger.Debug("tlssock: releasing wrapper-allocated client credential")
	})
	return nil
}

// SetClientCredential installs a caller-owned client credential. The
// wrapper never releases it.
func (w *Wrapper) SetClientCredential(chain []*x509.Certificate, key crypto.Signer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	if len(chain) == 0 || key == nil {
		return netstack.ErrParameter
	}
	w.cred.drop()
	w.cred = borrow(&clientCredential{chain: chain, key: key})
	return nil
}

// SetConfig installs a caller-owned configuration object, replacing
// whatever the wrapper would otherwise allocate.
func (w *Wrapper) SetConfig(cfg *Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.settableLocked(); err != nil {
		return err
	}
	if cfg == nil {
		return netstack.ErrParameter
	}
	w.conf.drop()
	w.conf = borrow(cfg)
	return nil
}

// Config exposes the underlying configuration for advanced tuning,
// allocating a wrapper-owned one if none is present yet.
func (w *Wrapper) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg, ok := w.conf.get(); ok {
		return cfg
	}
	cfg := &Config{}
	w.conf = alloc(cfg, func() {
		w.logger.Debug("tlssock: releasing wrapper-allocated config")
	})
	return cfg
}

// --- socket.Socket surface forwarded to the transport ---

func (w *Wrapper) Bind(addr netip.AddrPort) error {
	return w.transport.Bind(addr)
}

// SendTo ignores the address: the session is bound to its peer.
func (w *Wrapper) SendTo(_ netip.AddrPort, p []byte) (int, error) {
	return w.Send(p)
}

// RecvFrom reports the transport's peer as the source.
func (w *Wrapper) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	peer, _ := w.transport.PeerName()
	n, err := w.Recv(p)
	return n, peer, err
}

// Listen is not supported on a secure session.
func (w *Wrapper) Listen(int) error {
	return netstack.ErrUnsupported
}

// Accept is not supported on a secure session.
func (w *Wrapper) Accept() (socket.Socket, error) {
	return nil, netstack.ErrUnsupported
}

// SetTimeout bounds the wrapper's own waits. Before the engine exists the
// timeout also propagates to the transport, so a blocking transport
// connect honors it; afterwards the transport stays non-blocking and all
// waiting happens here.
func (w *Wrapper) SetTimeout(d time.Duration) {
	if d < 0 {
		d = socket.Forever
	}
	w.mu.Lock()
	w.timeout = d
	propagate := w.state == StateUninitialized || w.state == StateTransportPending
	w.mu.Unlock()
	if propagate {
		w.transport.SetTimeout(d)
	}
}

func (w *Wrapper) SetBlocking(blocking bool) {
	if blocking {
		w.SetTimeout(socket.Forever)
	} else {
		w.SetTimeout(0)
	}
}

// Sigio subscribes fn to readiness events forwarded from the transport.
func (w *Wrapper) Sigio(fn func()) (cancel func()) {
	return w.sigio.Subscribe(fn)
}

func (w *Wrapper) PeerName() (netip.AddrPort, error) {
	return w.transport.PeerName()
}

func (w *Wrapper) SetOption(level, name int, value any) error {
	return w.transport.SetOption(level, name, value)
}

func (w *Wrapper) Option(level, name int) (any, error) {
	return w.transport.Option(level, name)
}

var _ socket.Socket = (*Wrapper)(nil)
