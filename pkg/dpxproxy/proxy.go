// Package dpxproxy is the connection supervisor of the relay. It accepts clients on the listen
// address, obtains a backend connection for each from a dpxbackend.Policy, and runs every
// client/backend pair as an independent Session.
package dpxproxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxbackend"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// ErrDrainTimeout is returned by Run when sessions were still running at the end of the drain
// period and had to be closed
var ErrDrainTimeout = errors.New("sessions did not finish before the drain timeout")

// ErrSessionForced is the completion error of a session closed at the end of a drain
var ErrSessionForced = errors.New("session closed by proxy shutdown")

// Config holds the supervisor settings
type Config struct {
	// Listen is the host:port to accept clients on
	Listen string

	// BufferSize is the per-direction copy buffer of each session
	BufferSize int

	// HalfCloseGrace is how long a session keeps relaying the other direction after one
	// side has finished sending
	HalfCloseGrace time.Duration

	// DrainTimeout is how long running sessions may continue after Run's context is
	// cancelled. 0 closes them immediately.
	DrainTimeout time.Duration
}

// Proxy accepts clients and relays each to the backend
type Proxy struct {
	logger     dpxlog.Logger
	cfg        Config
	policy     dpxbackend.Policy
	events     EventSink
	bridgeOpts dpxnet.BridgeOptions
	stats      ConnStats
	ready      chan struct{}

	lock     sync.Mutex
	listener *dpxnet.NetBipipeListener
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// New creates a Proxy. events may be nil.
func New(logger dpxlog.Logger, cfg Config, policy dpxbackend.Policy, events EventSink) *Proxy {
	if events == nil {
		events = nopEventSink{}
	}
	return &Proxy{
		logger: logger.Fork("<Proxy %s>", cfg.Listen),
		cfg:    cfg,
		policy: policy,
		events: events,
		bridgeOpts: dpxnet.BridgeOptions{
			BufferSize:     cfg.BufferSize,
			HalfCloseGrace: cfg.HalfCloseGrace,
		},
		ready:    make(chan struct{}),
		sessions: make(map[string]*Session),
	}
}

// Ready returns a channel that is closed once the proxy is listening and the backend policy
// is active
func (p *Proxy) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the bound listen address, or nil before Ready is closed
func (p *Proxy) Addr() net.Addr {
	p.lock.Lock()
	l := p.listener
	p.lock.Unlock()
	if l == nil {
		return nil
	}
	return l.Addr()
}

// Stats returns the number of sessions currently running and the number of clients
// accepted so far
func (p *Proxy) Stats() (open int64, total int64) {
	return p.stats.Snapshot()
}

// Run binds the listen address, activates the backend policy and serves clients until ctx
// is cancelled or the listener fails. A bind or activation failure is returned before any
// client is accepted. On cancellation running sessions are drained; Run returns nil if they
// all finished in time and ErrDrainTimeout otherwise.
func (p *Proxy) Run(ctx context.Context) error {
	listener := dpxnet.NewNetBipipeListener(p.logger, "tcp", p.cfg.Listen)
	if err := listener.StartListening(); err != nil {
		return errors.Wrapf(err, "cannot listen on %s", p.cfg.Listen)
	}
	p.lock.Lock()
	p.listener = listener
	p.lock.Unlock()
	p.events.Listening(listener.Addr().String())
	p.logger.ILogf("Proxying to: %s", p.policy)

	if err := p.policy.Activate(ctx); err != nil {
		listener.Close()
		return errors.Wrapf(err, "cannot activate backend policy %s", p.policy)
	}
	defer p.policy.Close()
	var upstreamReported chan struct{}
	if pc, ok := p.policy.(dpxbackend.Preconnector); ok {
		endpoint := pc.UpstreamEndpoint()
		p.events.ConnectedUpstream(endpoint)
		upstreamReported = make(chan struct{})
		go func() {
			defer close(upstreamReported)
			<-pc.UpstreamDone()
			p.events.UpstreamClosed(endpoint)
		}()
	}
	close(p.ready)

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	var runErr error
	for {
		client, info, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, dpxnet.ErrBipipeListenerClosed) {
				p.logger.ELogf("Accept failed: %s", err)
				runErr = err
			}
			break
		}
		p.startSession(sessionCtx, client, info.RemoteAddr)
	}

	listener.Close()
	if err := p.drain(cancelSessions); err != nil && runErr == nil {
		runErr = err
	}
	p.policy.Close()
	if upstreamReported != nil {
		<-upstreamReported
	}
	return runErr
}

// startSession hands client over to a new Session running in its own goroutine
func (p *Proxy) startSession(ctx context.Context, client dpxnet.Bipipe, clientAddr net.Addr) {
	id := uuid.NewString()
	p.stats.New()
	p.stats.Open()
	s := newSession(p, id, client, clientAddr)
	p.events.Accepted(id, clientAddr)

	p.lock.Lock()
	p.sessions[id] = s
	p.lock.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.lock.Lock()
			delete(p.sessions, id)
			p.lock.Unlock()
			p.stats.Close()
		}()
		s.run(ctx)
	}()
}

// Sessions returns the sessions that are currently running
func (p *Proxy) Sessions() []*Session {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		result = append(result, s)
	}
	return result
}

// drain waits for running sessions to finish, closing them if the drain timeout expires
func (p *Proxy) drain(cancelSessions context.CancelFunc) error {
	allDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(allDone)
	}()

	open, _ := p.stats.Snapshot()
	if open > 0 {
		p.logger.ILogf("Waiting up to %s for %d sessions to finish", p.cfg.DrainTimeout, open)
	}
	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-allDone:
		return nil
	case <-timer.C:
	}

	sessions := p.Sessions()
	p.logger.WLogf("Closing %d sessions still running after %s", len(sessions), p.cfg.DrainTimeout)
	cancelSessions()
	for _, s := range sessions {
		s.forceClose()
	}
	<-allDone
	return ErrDrainTimeout
}
