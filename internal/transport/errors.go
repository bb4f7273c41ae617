package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshake is matched by every *HandshakeError.
	ErrHandshake = errors.New("transport: handshake failed")
	// ErrConnectionClosed means the connection is not, or no longer, open.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrConnectionLost means the keepalive saw no traffic in time.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// HandshakeError reports a failure while dialing or during the noise
// handshake.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake failed during %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandshake) hold.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }
