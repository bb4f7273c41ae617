package app

import (
	"errors"
	"fmt"
)

// Disconnect codes carried by DisconnectError.
const (
	CodeLoggedOut           = 401
	CodeTimedOut            = 408
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeRestartRequired     = 515
)

// ErrNotConnected means the call needs an open connection.
var ErrNotConnected = errors.New("app: not connected")

// DisconnectError is why the server ended the session.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("app: disconnected by server: %s (%d)", e.Reason, e.Code)
}

// streamErrorCodes maps stream:error child tags without a code attribute.
var streamErrorCodes = map[string]int{
	"conflict": CodeConnectionReplaced,
}
