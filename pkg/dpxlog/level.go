package dpxlog

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int32

const (
	// LogLevelUnknown is a default value for LogLevel. Its
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

var zerologLevels = [...]zerolog.Level{
	zerolog.NoLevel,
	zerolog.PanicLevel,
	zerolog.FatalLevel,
	zerolog.ErrorLevel,
	zerolog.WarnLevel,
	zerolog.InfoLevel,
	zerolog.DebugLevel,
	zerolog.TraceLevel,
}

// StringToLogLevel converts a string to a LogLevel. Unrecognized names
// yield LogLevelUnknown.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) valid() bool {
	return x > LogLevelUnknown && x <= LogLevelTrace
}

func (x LogLevel) String() string {
	if !x.valid() {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[x]
}

// FromString initializes a LogLevel from a string
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("Unknown log level: \"%s\"", s)
	}
	*x = result
	return nil
}

// UnmarshalText lets a LogLevel be parsed directly from environment variables and flags.
func (x *LogLevel) UnmarshalText(text []byte) error {
	return x.FromString(string(text))
}

func (x LogLevel) zerolog() zerolog.Level {
	if !x.valid() {
		return zerolog.NoLevel
	}
	return zerologLevels[x]
}

// levelVar is shared by a logger and every logger forked from it, so a
// level change made at runtime is seen by the whole tree.
type levelVar struct {
	v atomic.Int32
}

func newLevelVar(l LogLevel) *levelVar {
	lv := &levelVar{}
	lv.v.Store(int32(l))
	return lv
}

func (lv *levelVar) get() LogLevel {
	return LogLevel(lv.v.Load())
}

func (lv *levelVar) set(l LogLevel) {
	lv.v.Store(int32(l))
}
