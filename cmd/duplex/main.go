// Command duplex is a TCP relay: it accepts clients on a listen address and bridges each one,
// in both directions, to a backend address.
//
// Usage:
//
//	duplex proxy [-f listen-addr] [-t backend-addr] [flags]
//	duplex version
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/internal/config"
	"github.com/sammck-go/duplex/pkg/dpxbackend"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxmetrics"
	"github.com/sammck-go/duplex/pkg/dpxnet"
	"github.com/sammck-go/duplex/pkg/dpxproxy"
	"golang.org/x/sync/errgroup"
)

// BuildVersion is set at link time with -ldflags "-X main.BuildVersion=..."
var BuildVersion = "0.1.0-src"

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: duplex <command> [flags]\n\nCommands:\n")
	fmt.Fprintf(w, "  proxy    relay clients on the listen address to the backend address\n")
	fmt.Fprintf(w, "  version  print the version\n\n")
	fmt.Fprintf(w, "Run 'duplex proxy -h' for the proxy flags.\n")
}

func main() {
	os.Exit(run(os.Args[1:], os.Environ(), os.Stdout, os.Stderr))
}

func run(args []string, environ []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "proxy":
		return runProxy(args[1:], environ, stderr)
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, BuildVersion)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		fmt.Fprintf(stdout, "\nProxy flags:\n")
		(&config.Loader{Name: "duplex proxy"}).Usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "duplex: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
}

func runProxy(args []string, environ []string, stderr io.Writer) int {
	loader := &config.Loader{Name: "duplex proxy", Args: args, Environ: environ, Output: stderr}
	cfg, err := loader.Load()
	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "duplex proxy: %s\n", err)
		return 2
	}

	logger, err := dpxlog.New(
		dpxlog.WithWriter(stderr),
		dpxlog.WithLogLevel(cfg.LogLevel),
		dpxlog.WithJSON(cfg.LogFormat == "json"),
		dpxlog.WithPrefix("duplex"),
	)
	if err != nil {
		fmt.Fprintf(stderr, "duplex proxy: %s\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, logger, loader, cfg); err != nil {
		logger.ELogf("Terminated with error: %s", err)
		return 1
	}
	logger.ILogf("Stopped")
	return 0
}

// newPolicy builds the backend policy selected by cfg
func newPolicy(logger dpxlog.Logger, cfg *config.Config) dpxbackend.Policy {
	var dialer dpxnet.BipipeDialer = dpxnet.NewNetBipipeDialer(logger, "tcp", cfg.Backend, cfg.DialTimeout)
	if cfg.MaxRetryCount > 0 {
		dialer = dpxbackend.NewRetryDialer(logger, dialer, cfg.MaxRetryCount, cfg.MaxRetryInterval)
	}
	if cfg.Mode == config.ModeShared {
		return dpxbackend.NewSharedBackend(logger, dialer)
	}
	return dpxbackend.NewDialPerClient(logger, dialer)
}

// serve runs the proxy, the optional metrics server and the env file watcher until ctx is
// cancelled or one of them fails
func serve(ctx context.Context, logger dpxlog.Logger, loader *config.Loader, cfg *config.Config) error {
	logger.DLogf("Configuration: %s", cfg)

	var metrics *dpxmetrics.Metrics
	if cfg.MetricsAddr != "" {
		metrics = dpxmetrics.New("duplex")
	}

	proxy := dpxproxy.New(
		logger,
		dpxproxy.Config{
			Listen:         cfg.Listen,
			BufferSize:     cfg.BufferSize,
			HalfCloseGrace: cfg.HalfCloseGrace,
			DrainTimeout:   cfg.DrainTimeout,
		},
		newPolicy(logger, cfg),
		dpxproxy.NewLogEventSink(logger, metrics),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Run(ctx)
	})
	if metrics != nil {
		server := dpxmetrics.NewServer(logger, cfg.MetricsAddr, metrics)
		g.Go(func() error {
			return server.Run(ctx)
		})
	}
	g.Go(func() error {
		return loader.Watch(ctx, logger, cfg.EnvFile, func(newCfg *config.Config) {
			applyReload(logger, cfg, newCfg)
		})
	})

	err := g.Wait()
	if errors.Is(err, dpxproxy.ErrDrainTimeout) {
		logger.WLogf("%s", err)
		err = nil
	}
	if err != nil && errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

// applyReload applies the settings that can change at runtime. Only the log level can.
func applyReload(logger dpxlog.Logger, current *config.Config, newCfg *config.Config) {
	if newCfg.LogLevel != logger.GetLogLevel() {
		logger.ILogf("Log level changed from %s to %s", logger.GetLogLevel(), newCfg.LogLevel)
		logger.SetLogLevel(newCfg.LogLevel)
	}
	if changed := current.RestartRequired(newCfg); len(changed) > 0 {
		logger.WLogf("Changes to %s take effect after a restart", strings.Join(changed, ", "))
	}
}
