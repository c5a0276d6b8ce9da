package dpxmetrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/duplex/pkg/dpxasync"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// Server exposes Metrics at /metrics over HTTP, and shuts down gracefully
type Server struct {
	*dpxasync.Helper
	srv      *http.Server
	addr     string
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a metrics server that will listen on addr
func NewServer(logger dpxlog.Logger, addr string, m *Metrics) *Server {
	logger = logger.Fork("<Metrics %s>", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	h := http.Handler(mux)
	if logger.GetLogLevel() >= dpxlog.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s := &Server{
		srv: &http.Server{
			Handler:      h,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		addr:  addr,
		ready: make(chan struct{}),
	}
	s.Helper = dpxasync.NewHelper(logger, s)
	return s
}

// Handler returns the HTTP handler serving the metrics
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Ready returns a channel that is closed once the server is listening
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil if not listening
func (s *Server) Addr() net.Addr {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It stops accepting
// scrapes and waits briefly for those in progress.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	l := s.listener
	s.Lock.Unlock()
	if l == nil {
		return completionErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.DLogf("HTTP server shutdown failed, ignoring: %s", err)
	}
	return completionErr
}

// Run serves metrics until ctx is cancelled, then returns nil. A listen or serve failure is
// returned as an error.
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", s.addr)
			if err != nil {
				return s.DLogErrorf("Listen failed: %s", err)
			}
			s.Lock.Lock()
			s.listener = l
			s.Lock.Unlock()
			close(s.ready)
			s.ILogf("Serving metrics on http://%s/metrics", l.Addr())

			go func() {
				err := s.srv.Serve(l)
				if err == http.ErrServerClosed {
					err = nil
				}
				s.StartShutdown(err)
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = s.WaitShutdown()
	}
	if err != nil && err == ctx.Err() {
		err = nil
	}
	return err
}
