// Package dpxasync manages the lifecycle of objects that shut down asynchronously:
// sockets, bridges, listeners and relay sessions. An object embeds a *Helper and
// implements HandleOnceShutdowner; the Helper guarantees that HandleOnceShutdown is
// invoked exactly once, that waiters are released only after it returns, and that
// the first advisory completion error wins.
package dpxasync

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// OnceActivateHandler is called exactly once with shutdown deferred to activate an object.
// If it returns an error, the object is not activated and shutdown is started with that error.
type OnceActivateHandler func() error

// HandleOnceShutdowner must be implemented by the object managed by a Helper
type HandleOnceShutdowner interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take
	// completionErr as an advisory completion value, actually shut down, then return the
	// real completion value. It is never called while shutdown is deferred.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown returns true once shutdown is completely done
	IsDoneShutdown() bool

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

type helperState int

const (
	stateInitial helperState = iota
	stateActivated
	stateScheduled
	stateShuttingDown
	stateDone
)

// Helper is a base that manages clean asynchronous shutdown of an object that
// implements HandleOnceShutdowner
type Helper struct {
	// Logger is used for output from this helper and may be used by the owner
	dpxlog.Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be used
	// by the owning object as well
	Lock sync.Mutex

	handler HandleOnceShutdowner

	state     helperState
	activated bool

	// deferCount is the number of outstanding DeferShutdown calls; actual shutdown
	// does not begin until it drops to zero
	deferCount int

	// shutdownErr holds the advisory error until HandleOnceShutdown returns, then the
	// final status
	shutdownErr error

	shutdownStartedChan chan struct{}
	shutdownDoneChan    chan struct{}
}

// NewHelper creates a Helper for handler
func NewHelper(logger dpxlog.Logger, handler HandleOnceShutdowner) *Helper {
	return &Helper{
		Logger:              logger,
		handler:             handler,
		shutdownStartedChan: make(chan struct{}),
		shutdownDoneChan:    make(chan struct{}),
	}
}

// SetIsActivated marks the object as activated without running an activation handler.
// Has no effect once shutdown has started.
func (h *Helper) SetIsActivated() {
	h.Lock.Lock()
	if h.state == stateInitial {
		h.state = stateActivated
		h.activated = true
	}
	h.Lock.Unlock()
}

// IsActivated returns true if the object was successfully activated
func (h *Helper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.activated
}

// DoOnceActivate activates the object by calling onceActivateHandler with shutdown deferred.
//
//	if already activated, returns nil
//	if shutdown already started, returns an error (after waiting for shutdown if waitOnFail)
//	if the handler fails, shutdown is started with its error, and the error is returned
//	(after waiting for shutdown if waitOnFail)
func (h *Helper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.state != stateInitial {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("Shutdown already started; cannot activate")
		}
		return err
	}
	h.deferCount++
	h.Lock.Unlock()

	var err error
	if onceActivateHandler != nil {
		err = onceActivateHandler()
	}
	if err == nil {
		h.SetIsActivated()
	} else {
		h.StartShutdown(err)
	}
	h.UndeferShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// DeferShutdown prevents shutdown from starting until a matching UndeferShutdown.
// It returns an error, and does not defer, if shutdown has already been scheduled;
// UndeferShutdown must still be called in that case.
func (h *Helper) DeferShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.state >= stateScheduled {
		h.deferCount++
		return h.Errorf("Shutting down")
	}
	h.deferCount++
	return nil
}

// UndeferShutdown releases one DeferShutdown; if this was the last one and shutdown is
// scheduled, shutdown begins
func (h *Helper) UndeferShutdown() {
	h.Lock.Lock()
	if h.deferCount < 1 {
		h.Lock.Unlock()
		h.Panicf("UndeferShutdown without DeferShutdown")
		return
	}
	h.deferCount--
	doNow := h.deferCount == 0 && h.state == stateScheduled
	if doNow {
		h.state = stateShuttingDown
	}
	h.Lock.Unlock()

	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// StartShutdown schedules asynchronous shutdown of the object. Only the first call has an
// effect; its completionErr is passed to HandleOnceShutdown as the advisory status.
func (h *Helper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.state >= stateScheduled {
		h.Lock.Unlock()
		return
	}
	h.shutdownErr = completionErr
	h.state = stateScheduled
	doNow := h.deferCount == 0
	if doNow {
		h.state = stateShuttingDown
	}
	h.Lock.Unlock()

	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// asyncDoStartedShutdown runs the shutdown sequence in the background after the state
// has moved to stateShuttingDown
func (h *Helper) asyncDoStartedShutdown() {
	close(h.shutdownStartedChan)
	go func() {
		h.Lock.Lock()
		advisory := h.shutdownErr
		h.Lock.Unlock()

		finalErr := h.callHandleOnceShutdown(advisory)

		h.Lock.Lock()
		h.shutdownErr = finalErr
		h.state = stateDone
		h.Lock.Unlock()
		close(h.shutdownDoneChan)
	}()
}

// callHandleOnceShutdown runs the handler, turning a panic into the final status so that
// waiters are still released
func (h *Helper) callHandleOnceShutdown(advisory error) (finalErr error) {
	defer func() {
		if r := recover(); r != nil {
			finalErr = errors.Errorf("panic during shutdown: %v", r)
			h.ELogf("%s\n%s", finalErr, debug.Stack())
		}
	}()
	return h.handler.HandleOnceShutdown(advisory)
}

// Shutdown starts shutdown if necessary, waits for it to complete and returns the final status
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is equivalent to Shutdown(nil)
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// WaitShutdown waits for shutdown to complete, then returns the final status. It does not
// initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// ShutdownOnContext starts shutdown with ctx.Err() if ctx is done before shutdown starts
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduledShutdown returns true once StartShutdown has been called
func (h *Helper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.state >= stateScheduled
}

// IsStartedShutdown returns true once shutdown has actually begun
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.state >= stateShuttingDown
}

// IsDoneShutdown returns true once shutdown is complete
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.state == stateDone
}

// ShutdownStartedChan returns a channel that is closed when shutdown begins
func (h *Helper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that is closed after shutdown is done
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}
