package dpxnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// BipipeDialer is a Bipipe factory that produces Bipipes on demand by dialing a service.
type BipipeDialer interface {
	fmt.Stringer

	// DialWithContext connects to the service, creating a new Bipipe owned by the caller.
	// Multiple goroutines may dial concurrently; one failed dial does not affect others.
	// ctx abandons only this dial.
	DialWithContext(ctx context.Context) (Bipipe, error)
}

// NetBipipeDialer dials a fixed network address
type NetBipipeDialer struct {
	logger  dpxlog.Logger
	network string
	address string
	timeout time.Duration
	name    string
}

// NewNetBipipeDialer creates a dialer for network/address. A timeout of 0 means the dial is
// bounded only by the context and the operating system.
func NewNetBipipeDialer(logger dpxlog.Logger, network string, address string, timeout time.Duration) *NetBipipeDialer {
	name := fmt.Sprintf("%s:%s", network, address)
	return &NetBipipeDialer{
		logger:  logger.ForkLog(fmt.Sprintf("<Dialer %s>", name)),
		network: network,
		address: address,
		timeout: timeout,
		name:    name,
	}
}

func (d *NetBipipeDialer) String() string {
	return d.name
}

// DialWithContext opens a new connection to the address
func (d *NetBipipeDialer) DialWithContext(ctx context.Context) (Bipipe, error) {
	nd := net.Dialer{Timeout: d.timeout}
	d.logger.TLogf("Dialing")
	nc, err := nd.DialContext(ctx, d.network, d.address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", d.name)
	}
	bp := NewNetConnBipipe(d.logger, nc)
	d.logger.DLogf("Connected: %s", bp)
	return bp, nil
}
