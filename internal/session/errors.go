package session

import "errors"

var (
	// ErrRegistrationFailed is returned by Run when registration exhausts
	// its attempt ceiling without an acknowledgment.
	ErrRegistrationFailed = errors.New("session: registration failed")

	// ErrClosed is returned when operating on a session after Run returned.
	ErrClosed = errors.New("session: closed")

	// ErrMissingDependency is returned by New for a nil transport.
	ErrMissingDependency = errors.New("session: missing dependency")
)

// errConnectionLost signals the tick loop to fall back to Connecting.
var errConnectionLost = errors.New("session: connection lost")
