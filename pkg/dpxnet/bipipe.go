// Package dpxnet provides the stream plumbing of the relay: Bipipe, a socket-like
// bidirectional stream with independent half-close and asynchronous shutdown; listeners and
// dialers that produce Bipipes from TCP sockets; and BipipeBridger, which relays bytes in
// both directions between two Bipipes.
package dpxnet

import (
	"fmt"
	"io"

	"github.com/sammck-go/duplex/pkg/dpxasync"
)

// Bipipe is a virtual open bidirectional stream "socket". It intentionally looks and acts like
// a TCP socket so that a net.Conn can be wrapped trivially. Like a net.Conn, the write side may
// be closed before the read side.
//
// A Bipipe is owned by exactly one party at a time. Ownership is handed over explicitly (from
// a listener or dialer to the supervisor, then from the supervisor to a relay session); the
// owner is responsible for shutting it down.
type Bipipe interface {
	// Stringer provides a short descriptive string for logging; it should be cached
	fmt.Stringer

	// ReadWriteCloser provides standard bidirectional i/o. Read returns io.EOF at end of stream.
	// One Read and one Write may be in flight concurrently. Close is equivalent to
	// StartShutdown(nil) followed by WaitShutdown().
	io.ReadWriteCloser

	// WriteHalfCloser allows the write side to be closed (the remote reader gets EOF) while
	// local reads continue. Must not be called concurrently with Write.
	WriteHalfCloser

	// AsyncShutdowner allows asynchronous shutdown. After shutdown is initiated, in-flight
	// reads and writes complete quickly with errors and all resources are freed.
	dpxasync.AsyncShutdowner

	// GetNumBytesRead returns the number of bytes read so far
	GetNumBytesRead() uint64

	// GetNumBytesWritten returns the number of bytes written so far
	GetNumBytesWritten() uint64
}
