// Package correlator matches requests sent over a transport.Conn with the
// responses that carry the same id.
//
// Query registers a one-shot listener for TAG:<id> before sending and
// always removes it on return, whichever of response, deadline, connection
// close or context cancellation came first. A deadline is not an error:
// Query returns a nil node and a nil error, and the caller decides.
package correlator
