package netstack

import (
	"errors"
	"fmt"
)

// The socket layer surfaces a small closed set of errors. Stack
// implementations must return these sentinels (possibly wrapped) so that
// callers can classify failures without knowing the stack.
var (
	// ErrWouldBlock reports that a non-blocking operation cannot complete
	// now. Not a failure under non-blocking semantics.
	ErrWouldBlock = errors.New("netstack: operation would block")

	// ErrNoSocket reports that the native handle is absent: the socket was
	// never opened or has been closed, possibly by a concurrent Close.
	ErrNoSocket = errors.New("netstack: no socket")

	// ErrNoAddress reports an unaddressed send/receive on a socket with no
	// connected peer.
	ErrNoAddress = errors.New("netstack: no address")

	// ErrNoConnection reports that no peer has been established.
	ErrNoConnection = errors.New("netstack: no connection")

	// ErrUnsupported reports an operation the transport type cannot
	// perform, e.g. listen on a datagram socket.
	ErrUnsupported = errors.New("netstack: unsupported operation")

	// ErrDNSFailure reports a failed name lookup, distinct from network
	// unreachability.
	ErrDNSFailure = errors.New("netstack: name resolution failed")

	// ErrInProgress reports a non-blocking connect that has started but
	// not finished.
	ErrInProgress = errors.New("netstack: operation in progress")

	// ErrAlready reports a connect attempt while a previous one is still
	// in progress.
	ErrAlready = errors.New("netstack: operation already in progress")

	// ErrIsConnected reports a connect on an already connected handle.
	ErrIsConnected = errors.New("netstack: already connected")

	// ErrParameter reports an invalid argument, such as opening an already
	// open socket.
	ErrParameter = errors.New("netstack: invalid parameter")

	// ErrInvalidState reports an operation issued in a state that forbids
	// it, such as installing a trust anchor after the handshake started.
	ErrInvalidState = errors.New("netstack: invalid state")
)

func IsWouldBlock(err error) bool { return errors.Is(err, ErrWouldBlock) }
func IsNoSocket(err error) bool   { return errors.Is(err, ErrNoSocket) }
func IsInProgress(err error) bool {
	return errors.Is(err, ErrInProgress) || errors.Is(err, ErrAlready)
}

// EngineError preserves a security-protocol engine's own diagnostic code
// across the socket boundary.
type EngineError struct {
	Code int
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netstack: engine failure %#x: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("netstack: engine failure %#x", e.Code)
}

func (e *EngineError) Unwrap() error { return e.Err }

func IsEngineFailure(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}
