package tchannel

import (
	"errors"
	"fmt"
)

// Construction / validation errors (§7 kind 1). Raised synchronously to the
// caller; the connection or channel that produced them is left unchanged.
var (
	ErrConnectionClosed        = errors.New("tchannel: connection is closed")
	ErrConnectionAlreadyActive = errors.New("tchannel: connection is already active")
	ErrConnectionNotReady      = errors.New("tchannel: connection is not yet ready")
	ErrCallIDInUse             = errors.New("tchannel: call id already enrolled")
	ErrTooManyPendingRequests  = errors.New("tchannel: too many pending outbound requests")
	ErrChannelDestroyed        = errors.New("tchannel: channel is destroyed")
	ErrChannelAlreadyClosed    = errors.New("tchannel: channel is already closed")
	ErrChannelAlreadyListening = errors.New("tchannel: channel is already listening")
	ErrInvalidHostPort         = errors.New("tchannel: invalid host:port")
	ErrWildcardHost            = errors.New("tchannel: listen host must be a routable address, not the wildcard 0.0.0.0")
	ErrSelfPeer                = errors.New("tchannel: refusing to connect to self")
	ErrEphemeralPeer           = errors.New("tchannel: refusing to dial an ephemeral host:port")

	// ErrNoHandler is the body of the default handler's not-ok response
	// (§6 "no-handler").
	ErrNoHandler = errors.New("no handler defined")

	// ErrInvalidHandlerForRegistration is returned by the legacy Register
	// sugar when a handler is already registered for the same
	// (serviceName, operation) pair (§4.6).
	ErrInvalidHandlerForRegistration = errors.New("tchannel: invalid-handler.for-registration")

	// ErrReadFailed is the sentinel FrameCodec wraps any short/invalid
	// frame into (§4.1).
	ErrReadFailed = errors.New("tchannel: protocol.read-failed")

	// ErrTimedOut and ErrShutdown are the exact sentinel error strings
	// the §8 scenarios assert against.
	ErrTimedOut  = errors.New("timed out")
	ErrShutdown  = errors.New("shutdown from quit")
	ErrCanceled  = errors.New("canceled")
	ErrNotActive = errors.New("tchannel: response already built or past initial state")
)

// ListenError wraps a failure to bind a listener (§7 kind 2).
type ListenError struct {
	RequestedPort int
	Host          string
	Cause         error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("tchannel: server.listen-failed host=%s port=%d: %v", e.Host, e.RequestedPort, e.Cause)
}

func (e *ListenError) Unwrap() error { return e.Cause }

// ProtocolError wraps a framing/handshake violation (§7 kind 3). It carries
// enough context for logging without being fatal to the owning Channel.
type ProtocolError struct {
	RemoteName string
	LocalName  string
	Cause      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tchannel: protocol.read-failed remote=%s local=%s: %v", e.RemoteName, e.LocalName, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func newProtocolError(remoteName, localName string, cause error) *ProtocolError {
	return &ProtocolError{RemoteName: remoteName, LocalName: localName, Cause: cause}
}
