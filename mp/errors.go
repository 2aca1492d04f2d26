package mp

import (
	"errors"
	"fmt"
)

// Stable error kinds for the MP transport (spec §7).
var (
	// ErrNotConnected is returned by any MP operation attempted without a
	// live connection.
	ErrNotConnected = errors.New("mp: not connected")

	// ErrConnectionLost is returned when the transport fails during or
	// after the handshake, or when the connect-side retry budget (spec
	// §5) is exhausted.
	ErrConnectionLost = errors.New("mp: connection lost")

	// ErrInvalidResponse is returned when a reply is structurally
	// well-formed JSON but missing required fields, or the greeting
	// could not be parsed.
	ErrInvalidResponse = errors.New("mp: invalid response")
)

// MPError represents a peer-returned MP error response (spec §3, §7):
// the "class" and "desc" strings are passed through verbatim.
type MPError struct {
	Class string
	Desc  string
}

func (e *MPError) Error() string {
	return fmt.Sprintf("mp: %s: %s", e.Class, e.Desc)
}
