package dpxmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

func TestMetricsRecordSessions(t *testing.T) {
	m := New("")
	m.ObserveAccepted()
	m.ObserveAccepted()
	m.ObserveRejected()
	m.ObserveError("dial")
	m.SessionStarted()
	m.SessionEnded(time.Second, 4, 6)

	if v := testutil.ToFloat64(m.ConnectionsAccepted); v != 2 {
		t.Errorf("accepted = %v; expected 2", v)
	}
	if v := testutil.ToFloat64(m.ConnectionsRejected); v != 1 {
		t.Errorf("rejected = %v; expected 1", v)
	}
	if v := testutil.ToFloat64(m.SessionErrors.WithLabelValues("dial")); v != 1 {
		t.Errorf("dial errors = %v; expected 1", v)
	}
	if v := testutil.ToFloat64(m.ActiveSessions); v != 0 {
		t.Errorf("active sessions = %v; expected 0", v)
	}
	if v := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream")); v != 4 {
		t.Errorf("upstream bytes = %v; expected 4", v)
	}
	if v := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("downstream")); v != 6 {
		t.Errorf("downstream bytes = %v; expected 6", v)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAccepted()
	m.ObserveRejected()
	m.ObserveError("read")
	m.ObserveUpstreamConnected()
	m.SessionStarted()
	m.SessionEnded(time.Second, 1, 1)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New("duplex")
	m.ObserveAccepted()
	s := NewServer(dpxlog.Nop(), "127.0.0.1:0", m)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d; expected 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "duplex_connections_accepted_total 1") {
		t.Errorf("metrics output is missing the accepted counter:\n%s", rec.Body.String())
	}
}

func TestServerRunAndStop(t *testing.T) {
	s := NewServer(dpxlog.Nop(), "127.0.0.1:0", New(""))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-errc:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not start")
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %s", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "duplex_active_sessions") {
		t.Errorf("unexpected metrics body:\n%s", body)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() returned error: %s", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("metrics server did not stop")
	}
}
