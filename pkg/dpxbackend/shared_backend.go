package dpxbackend

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxasync"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// Preconnector is implemented by policies that connect to the backend during Activate
type Preconnector interface {
	// UpstreamEndpoint returns the address of the connection made during Activate
	UpstreamEndpoint() string

	// UpstreamDone returns a channel that is closed once the connection made during Activate
	// has been closed, by whichever session took it or by Close
	UpstreamDone() <-chan struct{}
}

// SharedBackend dials the backend once, in Activate, and gives that single connection to the
// first client that asks for it. The hand-off is permanent: the slot never becomes ready
// again, so every later client is rejected with ErrSlotInUse for the life of the policy.
type SharedBackend struct {
	*dpxasync.Helper
	dialer   dpxnet.BipipeDialer
	slot     *Slot
	upstream dpxnet.Bipipe
	endpoint string
}

// NewSharedBackend creates a SharedBackend policy that dials through dialer on Activate
func NewSharedBackend(logger dpxlog.Logger, dialer dpxnet.BipipeDialer) *SharedBackend {
	p := &SharedBackend{dialer: dialer}
	p.Helper = dpxasync.NewHelper(logger.Fork("<SharedBackend %s>", dialer), p)
	return p
}

func (p *SharedBackend) String() string {
	return fmt.Sprintf("shared connection to %s", p.dialer)
}

// Activate dials the shared connection. It is an error to call Activate after Close.
func (p *SharedBackend) Activate(ctx context.Context) error {
	return p.DoOnceActivate(
		func() error {
			bp, err := p.dialer.DialWithContext(ctx)
			if err != nil {
				return errors.Wrap(err, "shared backend connection failed")
			}
			endpoint := p.dialer.String()
			if nbp, ok := bp.(*dpxnet.NetConnBipipe); ok {
				endpoint = nbp.RemoteAddr().String()
			}
			p.Lock.Lock()
			p.slot = NewSlot(bp)
			p.upstream = bp
			p.endpoint = endpoint
			p.Lock.Unlock()
			p.ILogf("Connected upstream to %s", endpoint)
			return nil
		},
		false,
	)
}

// UpstreamEndpoint returns the address of the shared connection, or "" before Activate
func (p *SharedBackend) UpstreamEndpoint() string {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.endpoint
}

// UpstreamDone returns a channel that is closed when the shared connection is closed. Before
// a successful Activate the channel is already closed.
func (p *SharedBackend) UpstreamDone() <-chan struct{} {
	p.Lock.Lock()
	upstream := p.upstream
	p.Lock.Unlock()
	if upstream == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return upstream.ShutdownDoneChan()
}

// Slot returns the slot holding the shared connection; nil before Activate
func (p *SharedBackend) Slot() *Slot {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.slot
}

// Acquire hands the shared connection to the caller if no one has taken it yet
func (p *SharedBackend) Acquire(ctx context.Context, client net.Addr) (dpxnet.Bipipe, error) {
	if p.IsScheduledShutdown() {
		return nil, &AcquireError{Reason: ReasonClosed, Err: ErrPolicyClosed}
	}
	slot := p.Slot()
	if slot == nil {
		return nil, &AcquireError{Reason: ReasonClosed, Err: p.Errorf("not activated")}
	}
	bp, ok := slot.TryTake()
	if !ok {
		p.DLogf("Rejecting %s: %s", client, ErrSlotInUse)
		return nil, &AcquireError{Reason: ReasonSlotInUse, Err: ErrSlotInUse}
	}
	p.DLogf("Shared connection handed to %s", client)
	return bp, nil
}

// Close shuts the policy down, closing the shared connection if it was never handed out
func (p *SharedBackend) Close() error {
	return p.Helper.Close()
}

// HandleOnceShutdown is called exactly once, in its own goroutine
func (p *SharedBackend) HandleOnceShutdown(completionErr error) error {
	slot := p.Slot()
	if slot == nil {
		return completionErr
	}
	if bp, ok := slot.TryTake(); ok {
		p.DLogf("Closing unused shared connection")
		if err := bp.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}
