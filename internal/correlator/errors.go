package correlator

import (
	"errors"
	"fmt"
	"strconv"

	"companion/internal/domain"
)

// ErrNoResponse is returned by Ping when the server did not answer in time.
var ErrNoResponse = errors.New("correlator: no response before deadline")

// RemoteProtocolError is an error reply from the server.
type RemoteProtocolError struct {
	Code int
	Text string
	Node domain.Node
}

func (e *RemoteProtocolError) Error() string {
	return fmt.Sprintf("correlator: server error %d: %s", e.Code, e.Text)
}

// protocolError returns the error carried by n, if any.
func protocolError(n domain.Node) error {
	child, hasChild := n.Child("error")
	if !hasChild && n.Attr("type") != "error" {
		return nil
	}
	e := &RemoteProtocolError{Node: n, Text: "unknown error"}
	if hasChild {
		if code, err := strconv.Atoi(child.Attr("code")); err == nil {
			e.Code = code
		}
		if text := child.Attr("text"); text != "" {
			e.Text = text
		}
	}
	return e
}
