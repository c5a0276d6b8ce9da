package dpxasync

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/duplex/pkg/dpxlog"
)

type testObj struct {
	*Helper
	calls     int32
	returnErr error
}

func newTestObj(returnErr error) *testObj {
	o := &testObj{returnErr: returnErr}
	o.Helper = NewHelper(dpxlog.Nop(), o)
	return o
}

func (o *testObj) HandleOnceShutdown(completionErr error) error {
	atomic.AddInt32(&o.calls, 1)
	if completionErr == nil {
		completionErr = o.returnErr
	}
	return completionErr
}

func TestShutdownRunsHandlerOnce(t *testing.T) {
	o := newTestObj(nil)
	o.SetIsActivated()
	first := errors.New("first")
	for i := 0; i < 5; i++ {
		go o.StartShutdown(first)
	}
	o.StartShutdown(errors.New("second"))
	err := o.WaitShutdown()
	if err == nil {
		t.Fatalf("expected an advisory error")
	}
	if n := atomic.LoadInt32(&o.calls); n != 1 {
		t.Errorf("HandleOnceShutdown called %d times", n)
	}
	if !o.IsDoneShutdown() || !o.IsStartedShutdown() {
		t.Errorf("state flags not set after shutdown")
	}
	if err2 := o.Close(); err2 != err {
		t.Errorf("Close after shutdown returned %v; expected %v", err2, err)
	}
}

func TestHandlerErrorBecomesFinal(t *testing.T) {
	handlerErr := errors.New("handler failed")
	o := newTestObj(handlerErr)
	if err := o.Close(); err != handlerErr {
		t.Errorf("Close() = %v; expected %v", err, handlerErr)
	}
}

func TestDeferShutdownHoldsOffHandler(t *testing.T) {
	o := newTestObj(nil)
	if err := o.DeferShutdown(); err != nil {
		t.Fatalf("DeferShutdown failed: %s", err)
	}
	o.StartShutdown(nil)
	if !o.IsScheduledShutdown() {
		t.Errorf("shutdown not scheduled")
	}
	select {
	case <-o.ShutdownStartedChan():
		t.Fatalf("shutdown started while deferred")
	case <-time.After(20 * time.Millisecond):
	}
	if err := o.DeferShutdown(); err == nil {
		t.Errorf("DeferShutdown succeeded after shutdown was scheduled")
	}
	o.UndeferShutdown()
	o.UndeferShutdown()
	if err := o.WaitShutdown(); err != nil {
		t.Errorf("unexpected shutdown error %v", err)
	}
}

func TestDoOnceActivateFailureShutsDown(t *testing.T) {
	o := newTestObj(nil)
	activateErr := errors.New("cannot activate")
	err := o.DoOnceActivate(func() error { return activateErr }, true)
	if err != activateErr {
		t.Fatalf("DoOnceActivate returned %v", err)
	}
	if o.IsActivated() || !o.IsDoneShutdown() {
		t.Errorf("object should be shut down and not activated")
	}
	if err := o.DoOnceActivate(func() error { return nil }, false); err == nil {
		t.Errorf("activation after shutdown succeeded")
	}
}

func TestShutdownOnContext(t *testing.T) {
	o := newTestObj(nil)
	o.SetIsActivated()

	ctx, cancel := context.WithCancel(context.Background())
	o.ShutdownOnContext(ctx)
	cancel()

	if err := o.WaitShutdown(); !errors.Is(err, context.Canceled) {
		t.Errorf("completed with %v", err)
	}
	if !o.IsDoneShutdown() {
		t.Errorf("IsDoneShutdown() false after WaitShutdown")
	}
}

type panickyObj struct {
	*Helper
}

func (o *panickyObj) HandleOnceShutdown(completionErr error) error {
	panic("close fault")
}

func TestHandlerPanicReleasesWaiters(t *testing.T) {
	o := &panickyObj{}
	o.Helper = NewHelper(dpxlog.Nop(), o)
	o.SetIsActivated()

	done := make(chan error, 1)
	go func() { done <- o.Shutdown(nil) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "close fault") {
			t.Errorf("Shutdown() returned %v; expected the panic value", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown() did not return after the handler panicked")
	}
	if !o.IsDoneShutdown() {
		t.Errorf("IsDoneShutdown() false after a panicking handler")
	}
}
