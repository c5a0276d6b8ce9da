// Package config loads the relay's startup configuration from, in increasing order of
// precedence, built-in defaults, an optional .env file, DUPLEX_* environment variables and
// command-line flags.
package config

import (
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sammck-go/duplex/pkg/dpxlog"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "DUPLEX_"

// Mode selects the backend connection policy
type Mode string

const (
	// ModeDial opens a new backend connection for every client
	ModeDial Mode = "dial"
	// ModeShared opens one backend connection at startup and gives it to the first client
	ModeShared Mode = "shared"
)

func (m Mode) String() string {
	return string(m)
}

// Set implements flag.Value
func (m *Mode) Set(s string) error {
	switch Mode(strings.ToLower(s)) {
	case ModeDial:
		*m = ModeDial
	case ModeShared:
		*m = ModeShared
	default:
		return errors.Errorf("unknown mode %q (expected %q or %q)", s, ModeDial, ModeShared)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}

// Config is the startup configuration
type Config struct {
	Listen           string          `env:"LISTEN"             envDefault:"localhost:8080"`
	Backend          string          `env:"BACKEND"            envDefault:"localhost:8081"`
	Mode             Mode            `env:"MODE"               envDefault:"dial"`
	DialTimeout      time.Duration   `env:"DIAL_TIMEOUT"       envDefault:"10s"`
	MaxRetryCount    int             `env:"MAX_RETRY_COUNT"    envDefault:"0"`
	MaxRetryInterval time.Duration   `env:"MAX_RETRY_INTERVAL" envDefault:"30s"`
	HalfCloseGrace   time.Duration   `env:"HALF_CLOSE_GRACE"   envDefault:"0s"`
	DrainTimeout     time.Duration   `env:"DRAIN_TIMEOUT"      envDefault:"30s"`
	BufferSize       int             `env:"BUFFER_SIZE"        envDefault:"32768"`
	LogLevel         dpxlog.LogLevel `env:"LOG_LEVEL"          envDefault:"info"`
	LogFormat        string          `env:"LOG_FORMAT"         envDefault:"console"`
	MetricsAddr      string          `env:"METRICS_ADDR"`
	EnvFile          string          `env:"ENV_FILE"`
}

type logLevelFlag struct {
	level *dpxlog.LogLevel
}

func (f logLevelFlag) String() string {
	if f.level == nil {
		return ""
	}
	return f.level.String()
}

func (f logLevelFlag) Set(s string) error {
	return f.level.FromString(s)
}

// newFlagSet binds the command-line flags to the fields of cfg. The current field values are
// the flag defaults, so parsing only changes the fields whose flags are given.
func newFlagSet(name string, cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.Listen, "f", cfg.Listen, "listen `address` (host:port)")
	fs.StringVar(&cfg.Listen, "from", cfg.Listen, "same as -f")
	fs.StringVar(&cfg.Backend, "t", cfg.Backend, "backend `address` (host:port)")
	fs.StringVar(&cfg.Backend, "to", cfg.Backend, "same as -t")
	fs.Var(&cfg.Mode, "mode", "backend mode: dial (a connection per client) or shared (one connection, first client only)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "backend connect timeout")
	fs.IntVar(&cfg.MaxRetryCount, "max-retry-count", cfg.MaxRetryCount, "additional backend dial attempts (0 disables retries)")
	fs.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", cfg.MaxRetryInterval, "maximum wait between dial attempts")
	fs.DurationVar(&cfg.HalfCloseGrace, "half-close-grace", cfg.HalfCloseGrace, "keep relaying the other direction this long after one side finishes")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "how long running sessions may continue after shutdown is requested")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "copy buffer size in bytes, per direction")
	fs.Var(logLevelFlag{&cfg.LogLevel}, "log-level", "log level: panic, fatal, error, warning, info, debug or trace")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve Prometheus metrics on this `address` (disabled if empty)")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "load DUPLEX_* settings from this .env `file`")
	return fs
}

// Loader loads a Config from a fixed set of arguments and environment. It can be called
// again to pick up a changed env file.
type Loader struct {
	// Name is used in usage messages
	Name string
	// Args are the command-line arguments, without the program or subcommand name
	Args []string
	// Environ is the process environment in "KEY=value" form
	Environ []string
	// Output receives usage and flag errors
	Output io.Writer
}

// Load builds the configuration. It returns flag.ErrHelp if -h was given.
func (l *Loader) Load() (*Config, error) {
	output := l.Output
	if output == nil {
		output = io.Discard
	}

	// a first pass over the flags finds an -env-file given on the command line
	scratch := &Config{}
	if err := newFlagSet(l.Name, scratch, output).Parse(l.Args); err != nil {
		return nil, err
	}

	environment := environMap(l.Environ)
	envFile := scratch.EnvFile
	if envFile == "" {
		envFile = environment[EnvPrefix+"ENV_FILE"]
	}
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read env file %s", envFile)
		}
		// the real environment wins over the file
		for k, v := range fileVars {
			if _, ok := environment[k]; !ok {
				environment[k] = v
			}
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environment}); err != nil {
		return nil, errors.Wrap(err, "invalid environment configuration")
	}

	fs := newFlagSet(l.Name, cfg, output)
	if err := fs.Parse(l.Args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	cfg.EnvFile = envFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage writes the flag descriptions to w
func (l *Loader) Usage(w io.Writer) {
	newFlagSet(l.Name, &Config{}, w).PrintDefaults()
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// ValidateEndpoint checks that s is a host:port pair with a numeric port
func ValidateEndpoint(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return errors.Wrapf(err, "invalid endpoint %q", s)
	}
	if port == "" {
		return errors.Errorf("invalid endpoint %q: missing port", s)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return errors.Errorf("invalid endpoint %q: bad port %q", s, port)
	}
	return nil
}

// Validate checks the configuration for values the relay cannot run with
func (c *Config) Validate() error {
	if err := ValidateEndpoint(c.Listen); err != nil {
		return errors.Wrap(err, "listen address")
	}
	if err := ValidateEndpoint(c.Backend); err != nil {
		return errors.Wrap(err, "backend address")
	}
	if c.Mode != ModeDial && c.Mode != ModeShared {
		return errors.Errorf("unknown mode %q", c.Mode)
	}
	if c.BufferSize <= 0 {
		return errors.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.DialTimeout < 0 || c.MaxRetryInterval < 0 || c.HalfCloseGrace < 0 || c.DrainTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxRetryCount < 0 {
		return errors.Errorf("max retry count must not be negative, got %d", c.MaxRetryCount)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return errors.Errorf("unknown log format %q (expected console or json)", c.LogFormat)
	}
	if c.MetricsAddr != "" {
		if err := ValidateEndpoint(c.MetricsAddr); err != nil {
			return errors.Wrap(err, "metrics address")
		}
	}
	return nil
}

// RestartRequired returns the names of the settings that differ between c and other and
// cannot be changed while the relay is running
func (c *Config) RestartRequired(other *Config) []string {
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	check("listen", c.Listen != other.Listen)
	check("backend", c.Backend != other.Backend)
	check("mode", c.Mode != other.Mode)
	check("dial-timeout", c.DialTimeout != other.DialTimeout)
	check("max-retry-count", c.MaxRetryCount != other.MaxRetryCount)
	check("max-retry-interval", c.MaxRetryInterval != other.MaxRetryInterval)
	check("half-close-grace", c.HalfCloseGrace != other.HalfCloseGrace)
	check("drain-timeout", c.DrainTimeout != other.DrainTimeout)
	check("buffer-size", c.BufferSize != other.BufferSize)
	check("log-format", c.LogFormat != other.LogFormat)
	check("metrics", c.MetricsAddr != other.MetricsAddr)
	return changed
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s backend=%s mode=%s", c.Listen, c.Backend, c.Mode)
}
