package dpxnet

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxasync"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// ConnectionInfo holds metadata about an accepted or dialed connection
type ConnectionInfo struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// BipipeListener produces Bipipes by listening for incoming connections.
type BipipeListener interface {
	fmt.Stringer

	// AsyncShutdowner allows asynchronous shutdown of the listener. After shutdown is started,
	// Accept completes quickly with an error and all resources are freed.
	dpxasync.AsyncShutdowner

	// StartListening binds the listening socket. It is implicitly called by the first Accept.
	StartListening() error

	// Addr returns the bound address; nil before StartListening succeeds
	Addr() net.Addr

	// Accept waits for a single new incoming connection. ErrBipipeListenerClosed means the
	// listener was closed cleanly; any other error except ctx's means the listener has failed
	// permanently and has shut itself down.
	Accept(ctx context.Context) (Bipipe, *ConnectionInfo, error)
}

type startNetBipipeListenerCallback func() (net.Listener, error)

// NetBipipeListener is a BipipeListener over a net.Listener
type NetBipipeListener struct {
	*dpxasync.Helper
	name  string
	slcb  startNetBipipeListenerCallback
	nl    net.Listener
	bpLog dpxlog.Logger

	// newConns delivers connections from the acceptor goroutine to Accept calls. It is
	// unbuffered, so at most one connection is accepted ahead of Accept.
	newConns chan net.Conn

	// acceptorDone is closed when the acceptor goroutine exits; nil until it is started
	acceptorDone chan struct{}
}

// NewNetBipipeListenerWithStartCallback creates a NetBipipeListener whose net.Listener is
// created by startCallback when listening starts.
func NewNetBipipeListenerWithStartCallback(
	logger dpxlog.Logger,
	name string,
	startCallback startNetBipipeListenerCallback,
) *NetBipipeListener {
	l := &NetBipipeListener{
		name:     name,
		slcb:     startCallback,
		bpLog:    logger,
		newConns: make(chan net.Conn),
	}
	l.Helper = dpxasync.NewHelper(logger.ForkLog(fmt.Sprintf("<Listener %s>", name)), l)
	return l
}

// NewNetBipipeListener creates a BipipeListener that accepts incoming connections on a
// "tcp", "tcp4", "tcp6" or "unix" address. If the port is "0" one is chosen when listening
// starts; Addr reports it.
func NewNetBipipeListener(logger dpxlog.Logger, network string, address string) *NetBipipeListener {
	return NewNetBipipeListenerWithStartCallback(
		logger,
		fmt.Sprintf("%s:%s", network, address),
		func() (net.Listener, error) {
			return net.Listen(network, address)
		},
	)
}

func (l *NetBipipeListener) String() string {
	return l.name
}

// Addr returns the bound address, or nil if not listening
func (l *NetBipipeListener) Addr() net.Addr {
	l.Lock.Lock()
	defer l.Lock.Unlock()
	if l.nl == nil {
		return nil
	}
	return l.nl.Addr()
}

// StartListening binds the socket and starts the acceptor goroutine. Once it returns nil,
// clients can connect even before Accept is called.
func (l *NetBipipeListener) StartListening() error {
	return l.DoOnceActivate(l.activate, false)
}

func (l *NetBipipeListener) activate() error {
	nl, err := l.slcb()
	if err != nil {
		return errors.Wrapf(err, "%s: listen failed", l.name)
	}
	l.Lock.Lock()
	l.nl = nl
	l.acceptorDone = make(chan struct{})
	l.Lock.Unlock()
	go l.acceptLoop(nl)
	return nil
}

func (l *NetBipipeListener) acceptLoop(nl net.Listener) {
	defer close(l.acceptorDone)
	for {
		// nl.Accept blocks until a client connects or the net.Listener is closed
		// by HandleOnceShutdown.
		nc, err := nl.Accept()
		if err != nil {
			if l.IsScheduledShutdown() {
				return
			}
			l.StartShutdown(errors.Wrapf(err, "%s: accept failed", l.name))
			return
		}
		select {
		case l.newConns <- nc:
		case <-l.ShutdownStartedChan():
			nc.Close()
			return
		}
	}
}

// HandleOnceShutdown closes the net.Listener and waits for the acceptor goroutine.
func (l *NetBipipeListener) HandleOnceShutdown(completionErr error) error {
	l.Lock.Lock()
	nl := l.nl
	acceptorDone := l.acceptorDone
	l.Lock.Unlock()

	if nl != nil {
		if err := nl.Close(); err != nil && completionErr == nil {
			l.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	if acceptorDone != nil {
		<-acceptorDone
	}
	return completionErr
}

// Accept waits for a single new incoming connection and presents it as a Bipipe. Ownership of
// the Bipipe passes to the caller.
func (l *NetBipipeListener) Accept(ctx context.Context) (Bipipe, *ConnectionInfo, error) {
	if err := l.StartListening(); err != nil {
		return nil, nil, err
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case nc := <-l.newConns:
		bp := NewNetConnBipipe(l.bpLog, nc)
		return bp, &ConnectionInfo{LocalAddr: nc.LocalAddr(), RemoteAddr: nc.RemoteAddr()}, nil
	case <-l.ShutdownStartedChan():
		err := l.WaitShutdown()
		if err == nil {
			err = ErrBipipeListenerClosed
		}
		return nil, nil, err
	}
}
