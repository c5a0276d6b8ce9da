package dpxnet

// WriteHalfCloser is an interface for bidirectional io streams that implement CloseWrite()
type WriteHalfCloser interface {
	// CloseWrite shuts down the writing half of a bidirectional io stream (e.g., "socket").
	// Corresponds to net.TCPConn.CloseWrite(). The remote reader receives end-of-stream after
	// all previously written data; the read half of the stream remains active. It allows for
	// protocols like HTTP 1.0 in which a client sends a request, closes the write side of the
	// socket, then reads the response.
	CloseWrite() error
}
