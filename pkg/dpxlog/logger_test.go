package dpxlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, level LogLevel) Logger {
	lg, err := New(
		WithWriter(buf),
		WithLogLevel(level),
		WithPrefix("root"),
		WithJSON(true),
	)
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	return lg
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("record %q is not JSON: %s", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestStringToLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"info":    LogLevelInfo,
		"DEBUG":   LogLevelDebug,
		" trace ": LogLevelTrace,
		"warn":    LogLevelWarning,
		"warning": LogLevelWarning,
		"bogus":   LogLevelUnknown,
		"":        LogLevelUnknown,
	}
	for s, expected := range cases {
		if got := StringToLogLevel(s); got != expected {
			t.Errorf("StringToLogLevel(%q) = %v; expected %v", s, got, expected)
		}
	}

	var l LogLevel
	if err := l.FromString("nope"); err == nil {
		t.Errorf("FromString(\"nope\") did not fail")
	}
	if err := l.UnmarshalText([]byte("error")); err != nil || l != LogLevelError {
		t.Errorf("UnmarshalText(\"error\") = %v, %v", l, err)
	}
}

func TestLevelFilterAndRuntimeChange(t *testing.T) {
	var buf bytes.Buffer
	lg := newTestLogger(t, &buf, LogLevelInfo)
	child := lg.Fork("child#%d", 1)

	child.DLogf("hidden %d", 1)
	child.ILogf("shown %d", 2)
	if n := len(decodeLines(t, &buf)); n != 1 {
		t.Fatalf("expected 1 record at info level, got %d", n)
	}

	// The level is shared with forks
	lg.SetLogLevel(LogLevelDebug)
	if child.GetLogLevel() != LogLevelDebug {
		t.Errorf("fork did not observe level change: %v", child.GetLogLevel())
	}
	buf.Reset()
	child.DLogf("now shown")
	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected 1 debug record, got %d", len(records))
	}
	if msg := records[0]["message"]; msg != "root: child#1: now shown" {
		t.Errorf("unexpected message %q", msg)
	}

	lg.SetLogLevel(LogLevelUnknown)
	if lg.GetLogLevel() != LogLevelDebug {
		t.Errorf("invalid level was applied")
	}
}

func TestErrorfCarriesPrefix(t *testing.T) {
	var buf bytes.Buffer
	lg := newTestLogger(t, &buf, LogLevelError).ForkLog("conn")
	err := lg.Errorf("boom %d", 7)
	if err.Error() != "root: conn: boom 7" {
		t.Errorf("unexpected error text %q", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Errorf should not log")
	}
	err = lg.WLogErrorf("quiet")
	if err == nil || buf.Len() != 0 {
		t.Errorf("WLogErrorf logged below the level or returned nil")
	}
}

func TestErrorfCarriesStack(t *testing.T) {
	var buf bytes.Buffer
	lg := newTestLogger(t, &buf, LogLevelError)
	for _, err := range []error{lg.Errorf("boom"), lg.WLogErrorf("quiet")} {
		if trace := fmt.Sprintf("%+v", err); !strings.Contains(trace, "TestErrorfCarriesStack") {
			t.Errorf("error %q has no stack trace:\n%s", err, trace)
		}
	}
}

func TestEvent(t *testing.T) {
	var buf bytes.Buffer
	lg := newTestLogger(t, &buf, LogLevelInfo)

	lg.Event(LogLevelDebug, "suppressed").Str("k", "v").Msg("")
	lg.Event(LogLevelInfo, "accepted").Str("client", "127.0.0.1:5555").Msg("accepted")

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec["event"] != "accepted" || rec["client"] != "127.0.0.1:5555" || rec["component"] != "root" {
		t.Errorf("unexpected record %v", rec)
	}
	if rec["level"] != "info" {
		t.Errorf("unexpected level %v", rec["level"])
	}
}

func TestPanicOnError(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("PanicOnError did not panic")
		}
	}()
	Nop().PanicOnError(nil)
	Nop().PanicOnError(bytes.ErrTooLarge)
}
