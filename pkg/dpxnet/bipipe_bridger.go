package dpxnet

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxasync"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// DefaultBipipeBufferSize is the default buffer size used for forwarding data between two Bipipes.
const DefaultBipipeBufferSize = 32 * 1024

// BridgeOptions tunes a BipipeBridger
type BridgeOptions struct {
	// BufferSize is the per-direction copy buffer size. 0 means DefaultBipipeBufferSize.
	BufferSize int

	// HalfCloseGrace is how long the bridge keeps the other direction running after the
	// first direction reaches end-of-stream. 0 tears the session down immediately.
	HalfCloseGrace time.Duration
}

// BipipeBridger is a background task that relays traffic in both directions between a client
// Bipipe and a backend Bipipe. It takes ownership of both Bipipes; when it is done shutting
// down, both are fully closed.
type BipipeBridger interface {
	fmt.Stringer

	// AsyncShutdowner allows the bridge to be torn down early. WaitShutdown returns nil if the
	// session ended cleanly, or a *RelayError describing the first failure.
	dpxasync.AsyncShutdowner

	// GetNumBytesWritten returns the number of bytes successfully written so far to one of the
	// bridged Bipipes. edgeIndex 0 is the client, 1 is the backend. The value keeps growing
	// while the bridge runs and is final once shutdown is done.
	GetNumBytesWritten(edgeIndex int) uint64

	// Result returns the bytes copied client->backend, the bytes copied backend->client and
	// the final error. Only meaningful after shutdown is done.
	Result() (up uint64, down uint64, err error)
}

type bipipeBridgeEdge struct {
	pipe      Bipipe
	side      Side
	nbWritten atomic.Uint64
}

type forwardResult struct {
	dir Direction
	err error
}

// BipipeBridge implements BipipeBridger.
//
// Each direction is forwarded by its own goroutine. When a direction reaches end-of-stream
// the write half of its destination is closed, so the peer sees EOF after the last byte. The
// session is finished as soon as either direction terminates: after the optional
// HalfCloseGrace both Bipipes are shut down, which cancels the direction still running.
// Errors raised by that cancelled direction are a consequence of the teardown and are not
// reported.
type BipipeBridge struct {
	*dpxasync.Helper

	name  string
	edges [2]*bipipeBridgeEdge
	opts  BridgeOptions

	// results receives one forwardResult per direction
	results chan forwardResult

	// forwarderWg is done when both forwarding goroutines have exited
	forwarderWg sync.WaitGroup
}

// NewBipipeBridger starts a new background bridging task between client and backend.
// On return the bridge is already running.
func NewBipipeBridger(
	logger dpxlog.Logger,
	client Bipipe,
	backend Bipipe,
	opts BridgeOptions,
) *BipipeBridge {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBipipeBufferSize
	}
	bb := &BipipeBridge{
		name: fmt.Sprintf("[Bridge %v <=> %v]", client, backend),
		edges: [2]*bipipeBridgeEdge{
			{pipe: client, side: SideClient},
			{pipe: backend, side: SideBackend},
		},
		opts:    opts,
		results: make(chan forwardResult, 2),
	}
	bb.Helper = dpxasync.NewHelper(logger.ForkLog(bb.name), bb)

	bb.forwarderWg.Add(2)
	bb.SetIsActivated()
	go bb.forward(bb.edges[0], bb.edges[1], Upstream)
	go bb.forward(bb.edges[1], bb.edges[0], Downstream)
	go bb.superviseForwarders()

	return bb
}

// BridgeBipipes relays between client and backend until the session ends, and returns the
// bytes copied client->backend, backend->client, and the first failure if any. Both Bipipes
// are closed before it returns. Cancelling ctx tears the session down early.
func BridgeBipipes(
	ctx context.Context,
	logger dpxlog.Logger,
	client Bipipe,
	backend Bipipe,
	opts BridgeOptions,
) (uint64, uint64, error) {
	bb := NewBipipeBridger(logger, client, backend, opts)
	bb.ShutdownOnContext(ctx)
	bb.WaitShutdown()
	return bb.Result()
}

func (bb *BipipeBridge) String() string {
	return bb.name
}

// GetNumBytesWritten returns the number of bytes written to one of the bridged Bipipes.
func (bb *BipipeBridge) GetNumBytesWritten(edgeIndex int) uint64 {
	return bb.edges[edgeIndex].nbWritten.Load()
}

// Result returns (client->backend bytes, backend->client bytes, final error)
func (bb *BipipeBridge) Result() (uint64, uint64, error) {
	var err error
	if bb.IsDoneShutdown() {
		err = bb.WaitShutdown()
	}
	return bb.GetNumBytesWritten(1), bb.GetNumBytesWritten(0), err
}

// superviseForwarders decides when the session is over. It runs in its own goroutine.
func (bb *BipipeBridge) superviseForwarders() {
	var first forwardResult
	select {
	case first = <-bb.results:
	case <-bb.ShutdownStartedChan():
		return
	}
	if first.err != nil {
		bb.DLogf("%s forwarder failed; shutting down: %s", first.dir, first.err)
		bb.StartShutdown(first.err)
		return
	}
	bb.DLogf("%s reached end of stream", first.dir)

	if bb.opts.HalfCloseGrace > 0 {
		timer := time.NewTimer(bb.opts.HalfCloseGrace)
		defer timer.Stop()
		select {
		case second := <-bb.results:
			if second.err != nil {
				bb.DLogf("%s forwarder failed during grace period: %s", second.dir, second.err)
			}
			bb.StartShutdown(second.err)
			return
		case <-timer.C:
			bb.DLogf("Half-close grace of %s expired; shutting down", bb.opts.HalfCloseGrace)
		case <-bb.ShutdownStartedChan():
			return
		}
	}
	bb.StartShutdown(nil)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It shuts down both
// Bipipes, waits for the forwarders to exit and for both Bipipes to be closed.
func (bb *BipipeBridge) HandleOnceShutdown(completionErr error) error {
	finalErr := completionErr

	// Closing the sockets unblocks any read or write still in flight
	for _, edge := range bb.edges {
		edge.pipe.StartShutdown(nil)
	}

	bb.forwarderWg.Wait()

	for _, edge := range bb.edges {
		err := edge.pipe.WaitShutdown()
		if err != nil && finalErr == nil {
			finalErr = &RelayError{Kind: ShutdownError, Side: edge.side, Direction: directionInto(edge.side), Err: err}
		}
	}

	up, down := bb.GetNumBytesWritten(1), bb.GetNumBytesWritten(0)
	if finalErr != nil {
		bb.DLogf("Bridge failed after %d bytes upstream, %d bytes downstream: %s", up, down, finalErr)
	} else {
		bb.DLogf("Bridge done after %d bytes upstream, %d bytes downstream", up, down)
	}
	return finalErr
}

func directionInto(side Side) Direction {
	if side == SideBackend {
		return Upstream
	}
	return Downstream
}

// forward copies bytes from srcEdge to dstEdge until end-of-stream or an error, then
// reports the outcome to superviseForwarders. On end-of-stream the write half of the
// destination is closed. A panic raised by either Bipipe is reported as a PanicError
// against the side that raised it.
func (bb *BipipeBridge) forward(srcEdge *bipipeBridgeEdge, dstEdge *bipipeBridgeEdge, dir Direction) {
	defer bb.forwarderWg.Done()
	var err error
	side := srcEdge.side
	defer func() {
		if r := recover(); r != nil {
			perr := errors.Errorf("%v", r)
			bb.ELogf("%s forwarder panicked on %s: %s\n%s", dir, side, perr, debug.Stack())
			err = &RelayError{Kind: PanicError, Side: side, Direction: dir, Err: perr}
		}
		if err != nil && bb.IsStartedShutdown() {
			bb.DLogf("%s forwarder stopped by teardown: %s", dir, err)
			err = nil
		}
		bb.results <- forwardResult{dir: dir, err: err}
	}()

	src := srcEdge.pipe
	dst := dstEdge.pipe
	buffer := make([]byte, bb.opts.BufferSize)
	for {
		side = srcEdge.side
		nbr, rerr := src.Read(buffer)
		bb.TLogf("%s read %d bytes from %v, err=%v", dir, nbr, src, rerr)
		if nbr > 0 {
			side = dstEdge.side
			nbw, werr := dst.Write(buffer[:nbr])
			if nbw > 0 {
				dstEdge.nbWritten.Add(uint64(nbw))
			}
			if werr == nil && nbw < nbr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				err = &RelayError{Kind: WriteError, Side: dstEdge.side, Direction: dir, Err: werr}
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = &RelayError{Kind: ReadError, Side: srcEdge.side, Direction: dir, Err: rerr}
			return
		}
	}
	side = dstEdge.side
	bb.DLogf("Closing write side of %v after %d bytes", dst, dstEdge.nbWritten.Load())
	if cerr := dst.CloseWrite(); cerr != nil {
		err = &RelayError{Kind: ShutdownError, Side: dstEdge.side, Direction: dir, Err: cerr}
	}
}
