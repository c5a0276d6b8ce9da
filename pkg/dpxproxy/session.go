package dpxproxy

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxbackend"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

var nextSessionSeq uint64

// Result is the outcome of a finished session
type Result struct {
	// Up is the number of bytes relayed client->backend
	Up uint64
	// Down is the number of bytes relayed backend->client
	Down uint64
	// Err is nil for a clean finish
	Err error
}

// Session pairs one accepted client with one backend connection and relays between them.
// A session owns its client Bipipe from the moment it is created, and its backend Bipipe
// from the moment the policy hands it over; both are closed before the session is done.
type Session struct {
	logger dpxlog.Logger
	proxy  *Proxy

	// ID is a unique identifier reported with every event of the session
	ID string
	// Seq is a process-unique sequence number used in log prefixes
	Seq uint64
	// Client is the address of the accepted client
	Client net.Addr
	// Started is when the client was accepted
	Started time.Time

	client dpxnet.Bipipe

	lock     sync.Mutex
	bridge   *dpxnet.BipipeBridge
	result   Result
	duration time.Duration
	done     chan struct{}
	doneOnce sync.Once
	forced   atomic.Bool
}

func newSession(p *Proxy, id string, client dpxnet.Bipipe, clientAddr net.Addr) *Session {
	seq := atomic.AddUint64(&nextSessionSeq, 1)
	return &Session{
		logger:  p.logger.Fork("%s#%d", p.stats.String(), seq),
		proxy:   p,
		ID:      id,
		Seq:     seq,
		Client:  clientAddr,
		Started: time.Now(),
		client:  client,
		done:    make(chan struct{}),
	}
}

func (s *Session) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.isDone() {
		return fmt.Sprintf("Session#%d %s (sent %s received %s)", s.Seq, s.Client,
			sizestr.ToString(int64(s.result.Up)), sizestr.ToString(int64(s.result.Down)))
	}
	return fmt.Sprintf("Session#%d %s", s.Seq, s.Client)
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the session has finished and released both
// connections
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome; only meaningful after Done is closed
func (s *Session) Result() Result {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.result
}

// Duration returns how long the session ran; only meaningful after Done is closed
func (s *Session) Duration() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.duration
}

// forceClose tears the session down without waiting for either side to finish
func (s *Session) forceClose() {
	s.forced.Store(true)
	s.lock.Lock()
	bridge := s.bridge
	s.lock.Unlock()
	if bridge != nil {
		bridge.StartShutdown(ErrSessionForced)
	}
	s.client.StartShutdown(ErrSessionForced)
}

// run serves the session to completion and reports its outcome. It is run in its own goroutine.
func (s *Session) run(ctx context.Context) {
	var backend dpxnet.Bipipe
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("session panic: %v", r)
			s.logger.ELogf("%s\n%s", err, debug.Stack())
			s.client.Close()
			if backend != nil {
				backend.Close()
			}
			result := Result{Err: err}
			s.lock.Lock()
			if s.bridge != nil {
				result.Up, result.Down = s.bridge.GetNumBytesWritten(1), s.bridge.GetNumBytesWritten(0)
			}
			s.lock.Unlock()
			if !s.complete(result) {
				return
			}
			s.proxy.events.Error(s.ID, s.Client, "panic", result.Up, result.Down, err)
		}
	}()

	var err error
	backend, err = s.proxy.policy.Acquire(ctx, s.Client)
	if err != nil {
		s.reject(err)
		return
	}
	s.logger.DLogf("Relaying %s <=> %s", s.client, backend)

	bridge := dpxnet.NewBipipeBridger(s.logger, s.client, backend, s.proxy.bridgeOpts)
	s.lock.Lock()
	s.bridge = bridge
	s.lock.Unlock()
	if s.forced.Load() {
		bridge.StartShutdown(ErrSessionForced)
	}
	bridge.WaitShutdown()
	up, down, err := bridge.Result()
	kind := ""
	if err != nil {
		kind = dpxnet.KindOf(err)
	}
	s.finish(Result{Up: up, Down: down, Err: err}, kind)
}

// reject closes the client in an orderly way after the backend could not be obtained
func (s *Session) reject(err error) {
	s.logger.DLogf("No backend: %s", err)
	if cerr := s.client.CloseWrite(); cerr != nil {
		s.logger.DLogf("CloseWrite of rejected client failed: %s", cerr)
	}
	s.client.Close()

	if !s.complete(Result{Err: err}) {
		return
	}
	if dpxbackend.IsRejection(err) {
		s.proxy.events.Rejected(s.ID, s.Client, dpxbackend.ReasonSlotInUse.String())
		return
	}
	s.proxy.events.Error(s.ID, s.Client, acquireErrorKind(err), 0, 0, err)
}

// acquireErrorKind classifies a failure to obtain a backend connection
func acquireErrorKind(err error) string {
	var ae *dpxbackend.AcquireError
	if errors.As(err, &ae) && ae.Reason == dpxbackend.ReasonClosed {
		return "closed"
	}
	return "dial"
}

// complete records the outcome and closes Done. Only the first call has an effect; it
// returns false for later calls.
func (s *Session) complete(result Result) bool {
	first := false
	s.doneOnce.Do(func() {
		s.lock.Lock()
		s.result = result
		s.duration = time.Since(s.Started)
		s.lock.Unlock()
		close(s.done)
		first = true
	})
	return first
}

func (s *Session) finish(result Result, kind string) {
	if !s.complete(result) {
		return
	}
	if result.Err != nil {
		s.logger.DLogf("Failed after %s: %s", s.Duration(), result.Err)
		s.proxy.events.Error(s.ID, s.Client, kind, result.Up, result.Down, result.Err)
	} else {
		s.logger.DLogf("Finished after %s", s.Duration())
		s.proxy.events.Closed(s.ID, s.Client, result.Up, result.Down)
	}
}
