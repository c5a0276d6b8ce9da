package dpxnet

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrBipipeListenerClosed is returned from Accept when the listener was closed or shut
// down without an error, which is the expected way for an accept loop to end.
var ErrBipipeListenerClosed = errors.New("bipipe listener closed")

// Side identifies one of the two connections of a relay session
type Side int

const (
	// SideClient is the accepted inbound connection
	SideClient Side = iota
	// SideBackend is the connection toward the backend
	SideBackend
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "backend"
}

// Direction identifies one of the two copy directions of a relay session
type Direction int

const (
	// Upstream is client to backend
	Upstream Direction = iota
	// Downstream is backend to client
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// ErrorKind classifies a relay failure
type ErrorKind int

const (
	// ReadError is a failure reading from the source of a direction
	ReadError ErrorKind = iota
	// WriteError is a failure writing to the destination of a direction
	WriteError
	// ShutdownError is a failure half-closing or closing a connection
	ShutdownError
	// PanicError is a panic raised by a connection while relaying
	PanicError
)

func (k ErrorKind) String() string {
	switch k {
	case ReadError:
		return "read"
	case WriteError:
		return "write"
	case PanicError:
		return "panic"
	default:
		return "shutdown"
	}
}

// RelayError describes why a relay session failed: what kind of operation failed, on which
// connection, while copying in which direction.
type RelayError struct {
	Kind      ErrorKind
	Side      Side
	Direction Direction
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s error on %s (%s): %v", e.Kind, e.Side, e.Direction, e.Err)
}

// Unwrap returns the underlying error
func (e *RelayError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error, for github.com/pkg/errors.Cause
func (e *RelayError) Cause() error {
	return e.Err
}

// KindOf returns a short classification of err suitable for an "error" event: the
// RelayError kind if err is one, otherwise "other".
func KindOf(err error) string {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind.String()
	}
	return "other"
}
