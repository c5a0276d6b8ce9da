package dpxbackend

import (
	"context"
	"fmt"
	"net"

	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// DialPerClient opens a new backend connection for every accepted client. Dials for
// different clients are independent and may run concurrently.
type DialPerClient struct {
	logger dpxlog.Logger
	dialer dpxnet.BipipeDialer
}

// NewDialPerClient creates a DialPerClient policy that dials through dialer
func NewDialPerClient(logger dpxlog.Logger, dialer dpxnet.BipipeDialer) *DialPerClient {
	return &DialPerClient{
		logger: logger.Fork("<DialPerClient %s>", dialer),
		dialer: dialer,
	}
}

func (p *DialPerClient) String() string {
	return fmt.Sprintf("dial per client to %s", p.dialer)
}

// Activate does nothing; connections are dialed on demand
func (p *DialPerClient) Activate(ctx context.Context) error {
	return nil
}

// Acquire dials a fresh backend connection for client
func (p *DialPerClient) Acquire(ctx context.Context, client net.Addr) (dpxnet.Bipipe, error) {
	bp, err := p.dialer.DialWithContext(ctx)
	if err != nil {
		p.logger.DLogf("Dial for %s failed: %s", client, err)
		return nil, &AcquireError{Reason: ReasonDialFailed, Err: err}
	}
	return bp, nil
}

// Close does nothing; every dialed connection belongs to its session
func (p *DialPerClient) Close() error {
	return nil
}
