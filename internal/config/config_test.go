package config

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/duplex/pkg/dpxlog"
)

func TestDefaults(t *testing.T) {
	l := &Loader{Name: "proxy"}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %s", err)
	}
	if cfg.Listen != "localhost:8080" || cfg.Backend != "localhost:8081" {
		t.Errorf("default endpoints %s -> %s; expected localhost:8080 -> localhost:8081", cfg.Listen, cfg.Backend)
	}
	if cfg.Mode != ModeDial {
		t.Errorf("default mode %s; expected dial", cfg.Mode)
	}
	if cfg.DialTimeout != 10*time.Second || cfg.DrainTimeout != 30*time.Second {
		t.Errorf("unexpected default timeouts: %+v", cfg)
	}
	if cfg.HalfCloseGrace != 0 || cfg.MaxRetryCount != 0 {
		t.Errorf("unexpected default grace or retry count: %+v", cfg)
	}
	if cfg.BufferSize != 32768 || cfg.LogLevel != dpxlog.LogLevelInfo || cfg.LogFormat != "console" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvironmentAndFlags(t *testing.T) {
	l := &Loader{
		Name: "proxy",
		Args: []string{"-t", "10.0.0.1:9000", "-log-level", "debug"},
		Environ: []string{
			"DUPLEX_LISTEN=0.0.0.0:7000",
			"DUPLEX_BACKEND=10.0.0.2:9000",
			"DUPLEX_MODE=shared",
			"DUPLEX_HALF_CLOSE_GRACE=250ms",
			"DUPLEX_LOG_LEVEL=error",
			"UNRELATED=1",
		},
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %s", err)
	}
	if cfg.Listen != "0.0.0.0:7000" {
		t.Errorf("listen %s; expected the environment value", cfg.Listen)
	}
	if cfg.Backend != "10.0.0.1:9000" {
		t.Errorf("backend %s; expected the flag to win", cfg.Backend)
	}
	if cfg.Mode != ModeShared || cfg.HalfCloseGrace != 250*time.Millisecond {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.LogLevel != dpxlog.LogLevelDebug {
		t.Errorf("log level %s; expected the flag to win", cfg.LogLevel)
	}
}

func TestLongFlagNames(t *testing.T) {
	l := &Loader{Name: "proxy", Args: []string{"--from", "127.0.0.1:1", "--to", "127.0.0.1:2"}}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %s", err)
	}
	if cfg.Listen != "127.0.0.1:1" || cfg.Backend != "127.0.0.1:2" {
		t.Errorf("unexpected endpoints %s -> %s", cfg.Listen, cfg.Backend)
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duplex.env")
	content := "DUPLEX_BACKEND=192.168.1.1:80\nDUPLEX_BUFFER_SIZE=4096\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	l := &Loader{
		Name:    "proxy",
		Args:    []string{"-env-file", path},
		Environ: []string{"DUPLEX_BUFFER_SIZE=1024"},
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load() returned error: %s", err)
	}
	if cfg.Backend != "192.168.1.1:80" {
		t.Errorf("backend %s; expected the env file value", cfg.Backend)
	}
	if cfg.BufferSize != 1024 {
		t.Errorf("buffer size %d; expected the real environment to win over the file", cfg.BufferSize)
	}
	if cfg.EnvFile != path {
		t.Errorf("EnvFile %q; expected %q", cfg.EnvFile, path)
	}

	l.Args = []string{"-env-file", filepath.Join(dir, "missing.env")}
	if _, err := l.Load(); err == nil {
		t.Errorf("Load() should fail for a missing env file")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  []string
	}{
		{"no port", []string{"-f", "localhost"}, nil},
		{"bad port", []string{"-t", "localhost:http"}, nil},
		{"port out of range", []string{"-t", "localhost:70000"}, nil},
		{"bad mode", nil, []string{"DUPLEX_MODE=pool"}},
		{"bad mode flag", []string{"-mode", "pool"}, nil},
		{"zero buffer", []string{"-buffer-size", "0"}, nil},
		{"bad log format", []string{"-log-format", "xml"}, nil},
		{"bad log level", []string{"-log-level", "loud"}, nil},
		{"bad duration", nil, []string{"DUPLEX_DIAL_TIMEOUT=soon"}},
		{"extra argument", []string{"localhost:1"}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l := &Loader{Name: "proxy", Args: c.args, Environ: c.env}
			if _, err := l.Load(); err == nil {
				t.Errorf("Load() should have failed")
			}
		})
	}
}

func TestHelp(t *testing.T) {
	l := &Loader{Name: "proxy", Args: []string{"-h"}}
	if _, err := l.Load(); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("Load() returned %v; expected flag.ErrHelp", err)
	}
}

func TestRestartRequired(t *testing.T) {
	a := &Config{Listen: "a:1", Backend: "b:1", LogLevel: dpxlog.LogLevelInfo}
	b := *a
	b.LogLevel = dpxlog.LogLevelDebug
	if changed := a.RestartRequired(&b); len(changed) != 0 {
		t.Errorf("log level change should not require a restart: %v", changed)
	}
	b.Backend = "c:1"
	if changed := a.RestartRequired(&b); len(changed) != 1 || changed[0] != "backend" {
		t.Errorf("RestartRequired() = %v; expected [backend]", changed)
	}
}

func TestWatchReloadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duplex.env")
	if err := os.WriteFile(path, []byte("DUPLEX_LOG_LEVEL=info\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	l := &Loader{Name: "proxy", Args: []string{"-env-file", path}}
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load() returned error: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 10)
	done := make(chan error, 1)
	go func() {
		done <- l.Watch(ctx, dpxlog.Nop(), path, func(cfg *Config) { changes <- cfg })
	}()

	// give the watcher time to register before modifying the file
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("DUPLEX_LOG_LEVEL=trace\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.LogLevel == dpxlog.LogLevelTrace {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch() returned error: %s", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
