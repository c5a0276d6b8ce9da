// Package dpxbackend decides how each accepted client obtains its connection to the backend.
//
// Two policies are provided. DialPerClient opens a fresh backend connection for every client.
// SharedBackend opens one backend connection at startup and hands it to the first client
// only; every later client is rejected.
package dpxbackend

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// Policy produces a backend Bipipe for each accepted client
type Policy interface {
	fmt.Stringer

	// Activate prepares the policy before the first Acquire. Failure is fatal to the relay.
	Activate(ctx context.Context) error

	// Acquire returns a backend Bipipe owned by the caller, or an *AcquireError. It never
	// waits for another session to finish.
	Acquire(ctx context.Context, client net.Addr) (dpxnet.Bipipe, error)

	// Close releases any backend connection the policy still holds
	Close() error
}

// Reason says why a backend connection could not be obtained for a client
type Reason int

const (
	// ReasonDialFailed means a connection to the backend could not be established
	ReasonDialFailed Reason = iota
	// ReasonSlotInUse means the shared backend connection already belongs to another session
	ReasonSlotInUse
	// ReasonClosed means the policy has been closed
	ReasonClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonDialFailed:
		return "dial failed"
	case ReasonSlotInUse:
		return "backend in use"
	default:
		return "closed"
	}
}

// ErrSlotInUse is the cause of an AcquireError with ReasonSlotInUse
var ErrSlotInUse = errors.New("shared backend connection is in use")

// ErrPolicyClosed is the cause of an AcquireError with ReasonClosed
var ErrPolicyClosed = errors.New("backend policy is closed")

// AcquireError is returned by Policy.Acquire
type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error
func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error, for github.com/pkg/errors.Cause
func (e *AcquireError) Cause() error {
	return e.Err
}

// IsRejection reports whether err means the client was turned away by policy rather than
// because of a failure
func IsRejection(err error) bool {
	var ae *AcquireError
	return errors.As(err, &ae) && ae.Reason == ReasonSlotInUse
}
