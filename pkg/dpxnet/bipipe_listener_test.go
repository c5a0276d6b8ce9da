package dpxnet

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestNetBipipeListenerAcceptAndClose(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeListenerAcceptAndClose")
	l := NewNetBipipeListener(lg, "tcp", "127.0.0.1:0")
	if l.Addr() != nil {
		t.Errorf("Addr() should be nil before listening")
	}
	if err := l.StartListening(); err != nil {
		t.Fatalf("StartListening() returned error: %s", err)
	}
	addr := l.Addr()
	if addr == nil {
		t.Fatalf("Addr() is nil after StartListening")
	}

	go func() {
		nc, err := net.Dial("tcp", addr.String())
		if err != nil {
			return
		}
		nc.Write([]byte("abc"))
		nc.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bp, info, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() returned error: %s", err)
	}
	if info.RemoteAddr == nil || info.LocalAddr.String() != addr.String() {
		t.Errorf("unexpected ConnectionInfo %+v", info)
	}
	data, err := io.ReadAll(bp)
	if err != nil || string(data) != "abc" {
		t.Errorf("read %q, %v; expected \"abc\"", data, err)
	}
	if bp.GetNumBytesRead() != 3 {
		t.Errorf("GetNumBytesRead() = %d; expected 3", bp.GetNumBytesRead())
	}
	if err := bp.Close(); err != nil {
		t.Errorf("Close() returned error: %s", err)
	}

	if err := l.Close(); err != nil {
		t.Errorf("listener Close() returned error: %s", err)
	}
	_, _, err = l.Accept(ctx)
	if !errors.Is(err, ErrBipipeListenerClosed) {
		t.Errorf("Accept() after Close returned %v; expected ErrBipipeListenerClosed", err)
	}
}

func TestNetBipipeListenerCloseUnblocksAccept(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeListenerCloseUnblocksAccept")
	l := NewNetBipipeListener(lg, "tcp", "127.0.0.1:0")
	if err := l.StartListening(); err != nil {
		t.Fatalf("StartListening() returned error: %s", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := l.Accept(context.Background())
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	l.StartShutdown(nil)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrBipipeListenerClosed) {
			t.Errorf("Accept() returned %v; expected ErrBipipeListenerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Accept() did not return after shutdown")
	}
}

func TestNetBipipeListenerAcceptContext(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeListenerAcceptContext")
	l := NewNetBipipeListener(lg, "tcp", "127.0.0.1:0")
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := l.Accept(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept() returned %v; expected context.DeadlineExceeded", err)
	}
	if l.IsScheduledShutdown() {
		t.Errorf("listener should survive an abandoned Accept")
	}
}

func TestNetBipipeListenerAddressInUse(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeListenerAddressInUse")
	first := NewNetBipipeListener(lg, "tcp", "127.0.0.1:0")
	if err := first.StartListening(); err != nil {
		t.Fatalf("StartListening() returned error: %s", err)
	}
	defer first.Close()

	second := NewNetBipipeListener(lg, "tcp", first.Addr().String())
	if err := second.StartListening(); err == nil {
		t.Errorf("second listener on %s should have failed", first.Addr())
	}
	second.WaitShutdown()
}

func TestNetBipipeDialer(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeDialer")
	l := NewNetBipipeListener(lg, "tcp", "127.0.0.1:0")
	if err := l.StartListening(); err != nil {
		t.Fatalf("StartListening() returned error: %s", err)
	}
	defer l.Close()

	d := NewNetBipipeDialer(lg, "tcp", l.Addr().String(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bp, err := d.DialWithContext(ctx)
	if err != nil {
		t.Fatalf("DialWithContext() returned error: %s", err)
	}
	defer bp.Close()

	accepted, _, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() returned error: %s", err)
	}
	defer accepted.Close()

	bp.Write([]byte("xyz"))
	bp.CloseWrite()
	data, err := io.ReadAll(accepted)
	if err != nil || string(data) != "xyz" {
		t.Errorf("read %q, %v; expected \"xyz\"", data, err)
	}
	if bp.GetNumBytesWritten() != 3 {
		t.Errorf("GetNumBytesWritten() = %d; expected 3", bp.GetNumBytesWritten())
	}
}

func TestNetBipipeDialerRefused(t *testing.T) {
	lg := newTestLogger(t, "TestNetBipipeDialerRefused")

	// grab a free port, then release it so nothing is listening there
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	addr := nl.Addr().String()
	nl.Close()

	d := NewNetBipipeDialer(lg, "tcp", addr, time.Second)
	if _, err := d.DialWithContext(context.Background()); err == nil {
		t.Errorf("DialWithContext(%s) should have failed", addr)
	}
}
