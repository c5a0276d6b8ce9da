package dpxnet

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxasync"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

var nextConnID uint64

// allocConnID allocates a process-unique connection ID number, for logging purposes
func allocConnID() uint64 {
	return atomic.AddUint64(&nextConnID, 1)
}

// NetConnBipipe wraps a net.Conn "socket" with a Bipipe interface
type NetConnBipipe struct {
	*dpxasync.Helper
	conn            net.Conn
	name            string
	numBytesRead    atomic.Uint64
	numBytesWritten atomic.Uint64
}

// NewNetConnBipipe wraps an existing net.Conn with a Bipipe interface. The returned
// Bipipe becomes the owner of the net.Conn and is responsible for closing it.
func NewNetConnBipipe(logger dpxlog.Logger, conn net.Conn) *NetConnBipipe {
	id := allocConnID()
	bp := &NetConnBipipe{
		conn: conn,
		name: fmt.Sprintf("[%d]%s", id, conn.RemoteAddr()),
	}
	bp.Helper = dpxasync.NewHelper(logger.ForkLog(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *NetConnBipipe) String() string {
	return bp.name
}

// RemoteAddr returns the address of the peer
func (bp *NetConnBipipe) RemoteAddr() net.Addr {
	return bp.conn.RemoteAddr()
}

// LocalAddr returns the local address of the socket
func (bp *NetConnBipipe) LocalAddr() net.Addr {
	return bp.conn.LocalAddr()
}

// Read implements io.Reader
func (bp *NetConnBipipe) Read(p []byte) (int, error) {
	n, err := bp.conn.Read(p)
	if n > 0 {
		bp.numBytesRead.Add(uint64(n))
	}
	return n, err
}

// Write implements io.Writer
func (bp *NetConnBipipe) Write(p []byte) (int, error) {
	n, err := bp.conn.Write(p)
	if n > 0 {
		bp.numBytesWritten.Add(uint64(n))
	}
	return n, err
}

// GetNumBytesRead returns the number of bytes read so far
func (bp *NetConnBipipe) GetNumBytesRead() uint64 {
	return bp.numBytesRead.Load()
}

// GetNumBytesWritten returns the number of bytes written so far
func (bp *NetConnBipipe) GetNumBytesWritten() uint64 {
	return bp.numBytesWritten.Load()
}

// Close shuts down the bipipe and waits for shutdown to complete
func (bp *NetConnBipipe) Close() error {
	return bp.Helper.Close()
}

// CloseWrite closes the write side of the Bipipe, causing the remote reader to receive EOF.
// Does not affect the read side. If the underlying net.Conn does not support CloseWrite()
// (TCPConn and UnixConn do), this method does nothing.
func (bp *NetConnBipipe) CloseWrite() error {
	err := bp.DeferShutdown()
	if err == nil {
		if whc, ok := bp.conn.(WriteHalfCloser); ok {
			err = whc.CloseWrite()
			if err != nil {
				err = errors.Wrapf(err, "%s: CloseWrite failed", bp.name)
			}
		} else {
			bp.DLogf("CloseWrite() ignored--not implemented by %T", bp.conn)
		}
	}
	bp.UndeferShutdown()
	return err
}

// HandleOnceShutdown is called exactly once, in its own goroutine. It closes the socket,
// which unblocks any in-flight Read or Write.
func (bp *NetConnBipipe) HandleOnceShutdown(completionErr error) error {
	err := bp.conn.Close()
	if err != nil {
		err = errors.Wrapf(err, "%s: close failed", bp.name)
	}
	if completionErr == nil {
		completionErr = err
	}
	bp.TLogf("closed after reading %d and writing %d bytes", bp.GetNumBytesRead(), bp.GetNumBytesWritten())
	return completionErr
}
