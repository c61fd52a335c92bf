// Package errs defines the error taxonomy shared by every layer of the
// pipeline (transport, codec, session, server, monitor). Plain
// errors/fmt.Errorf wrapping is used throughout, matching the rest of the
// module; no third-party error library is pulled in (see DESIGN.md).
package errs

import "errors"

// Sentinel errors for conditions that a caller may want to check with
// errors.Is, independent of the dynamic detail carried alongside them.
var (
	// ErrTransportClosed is an ordinary, expected end of a connection:
	// peer EOF or reset.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTransportFault is an unexpected I/O failure.
	ErrTransportFault = errors.New("transport fault")

	// ErrProtocol is a malformed wire sequence exceeding sane bounds.
	ErrProtocol = errors.New("protocol error")

	// ErrHandlerTimeout is raised when an application callback exceeds
	// its configured deadline.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrHandlerFault is raised when an application callback panics or
	// returns an unexpected failure.
	ErrHandlerFault = errors.New("handler fault")

	// ErrSlowConsumer marks a monitor subscriber that overflowed its
	// bounded queue.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrOvercapacity marks an accept attempted while a server's
	// registry is already at maxConnections.
	ErrOvercapacity = errors.New("server at capacity")

	// ErrDrainTimeout marks a graceful shutdown that hit its drain
	// deadline with sessions still live.
	ErrDrainTimeout = errors.New("drain deadline exceeded")

	// ErrConfig marks malformed configuration or a missing handler
	// factory.
	ErrConfig = errors.New("configuration error")

	// ErrBind marks listener creation failure.
	ErrBind = errors.New("bind error")
)

// ProtocolError wraps ErrProtocol with a human-readable detail, matching
// the way the rest of the module wraps sentinels with fmt.Errorf("%w: ...").
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Detail }
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// NewProtocolError builds a ProtocolError with the given detail.
func NewProtocolError(detail string) error { return &ProtocolError{Detail: detail} }
