package dpxproxy

import (
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxmetrics"
)

// EventSink receives the relay's observable events. Methods are called concurrently from the
// accept loop and from sessions, and must not block for long.
type EventSink interface {
	// Listening is reported once the listen socket is bound
	Listening(endpoint string)

	// ConnectedUpstream is reported once, in shared backend mode, when the shared connection
	// has been established
	ConnectedUpstream(endpoint string)

	// Accepted is reported for every accepted client
	Accepted(session string, client net.Addr)

	// Closed is reported when a session ends cleanly. up is client->backend bytes and down is
	// backend->client bytes.
	Closed(session string, client net.Addr, up uint64, down uint64)

	// Rejected is reported when a client is closed because the shared backend is in use
	Rejected(session string, client net.Addr, reason string)

	// Error is reported when a client could not be served or its session failed. kind is
	// "dial", "closed", "read", "write", "shutdown", "panic" or "other". up and down are the
	// bytes relayed before the failure.
	Error(session string, client net.Addr, kind string, up uint64, down uint64, err error)

	// UpstreamClosed is reported once, in shared backend mode, when the shared connection
	// has been closed
	UpstreamClosed(endpoint string)
}

type nopEventSink struct{}

func (nopEventSink) Listening(string)                                      {}
func (nopEventSink) ConnectedUpstream(string)                              {}
func (nopEventSink) Accepted(string, net.Addr)                             {}
func (nopEventSink) Closed(string, net.Addr, uint64, uint64)               {}
func (nopEventSink) Rejected(string, net.Addr, string)                     {}
func (nopEventSink) Error(string, net.Addr, string, uint64, uint64, error) {}
func (nopEventSink) UpstreamClosed(string)                                 {}

// LogEventSink writes each event as a structured log record and updates metrics
type LogEventSink struct {
	logger  dpxlog.Logger
	metrics *dpxmetrics.Metrics

	lock    sync.Mutex
	started map[string]time.Time
}

// NewLogEventSink creates an EventSink that logs through logger. metrics may be nil.
func NewLogEventSink(logger dpxlog.Logger, metrics *dpxmetrics.Metrics) *LogEventSink {
	return &LogEventSink{
		logger:  logger,
		metrics: metrics,
		started: make(map[string]time.Time),
	}
}

// Listening logs the bound listen address
func (s *LogEventSink) Listening(endpoint string) {
	s.logger.Event(dpxlog.LogLevelInfo, "listening").
		Str("endpoint", endpoint).
		Msgf("Listening on: %s", endpoint)
}

// ConnectedUpstream logs the shared backend connection
func (s *LogEventSink) ConnectedUpstream(endpoint string) {
	s.metrics.ObserveUpstreamConnected()
	s.logger.Event(dpxlog.LogLevelInfo, "connected_upstream").
		Str("endpoint", endpoint).
		Msgf("Connected upstream to: %s", endpoint)
}

// Accepted logs a new client and starts timing its session
func (s *LogEventSink) Accepted(session string, client net.Addr) {
	s.lock.Lock()
	s.started[session] = time.Now()
	s.lock.Unlock()
	s.metrics.ObserveAccepted()
	s.metrics.SessionStarted()
	s.logger.Event(dpxlog.LogLevelInfo, "accepted").
		Str("session", session).
		Stringer("client", client).
		Msgf("Connection accepted from %s", client)
}

func (s *LogEventSink) finish(session string, up uint64, down uint64) time.Duration {
	s.lock.Lock()
	t0, ok := s.started[session]
	delete(s.started, session)
	s.lock.Unlock()
	if !ok {
		return 0
	}
	d := time.Since(t0)
	s.metrics.SessionEnded(d, up, down)
	return d
}

// Closed logs a cleanly finished session with its byte counts
func (s *LogEventSink) Closed(session string, client net.Addr, up uint64, down uint64) {
	d := s.finish(session, up, down)
	s.logger.Event(dpxlog.LogLevelInfo, "closed").
		Str("session", session).
		Stringer("client", client).
		Uint64("bytes_up", up).
		Uint64("bytes_down", down).
		Dur("duration", d).
		Msgf("Connection from %s finished (sent %s received %s)",
			client, sizestr.ToString(int64(up)), sizestr.ToString(int64(down)))
}

// Rejected logs a client turned away by the backend policy
func (s *LogEventSink) Rejected(session string, client net.Addr, reason string) {
	s.finish(session, 0, 0)
	s.metrics.ObserveRejected()
	s.logger.Event(dpxlog.LogLevelInfo, "rejected").
		Str("session", session).
		Stringer("client", client).
		Str("reason", reason).
		Msgf("Connection from %s rejected: %s", client, reason)
}

// Error logs a failed client or session
func (s *LogEventSink) Error(session string, client net.Addr, kind string, up uint64, down uint64, err error) {
	d := s.finish(session, up, down)
	s.metrics.ObserveError(kind)
	s.logger.Event(dpxlog.LogLevelWarning, "error").
		Str("session", session).
		Stringer("client", client).
		Str("kind", kind).
		Uint64("bytes_up", up).
		Uint64("bytes_down", down).
		Dur("duration", d).
		Err(err).
		Msgf("Connection error from %s: %s", client, err)
}

// UpstreamClosed logs the end of the shared backend connection
func (s *LogEventSink) UpstreamClosed(endpoint string) {
	s.metrics.ObserveUpstreamClosed()
	s.logger.Event(dpxlog.LogLevelInfo, "upstream_closed").
		Str("endpoint", endpoint).
		Msgf("Upstream connection to %s closed", endpoint)
}
