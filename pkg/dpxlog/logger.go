// Package dpxlog provides the leveled, prefix-forking Logger used throughout duplex.
// Records are emitted through zerolog, either as human-readable console lines or
// as JSON objects.
package dpxlog

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	// GetLogLevel returns the current log level
	GetLogLevel() LogLevel

	// SetLogLevel changes the log level of this logger and of every logger forked from
	// the same root
	SetLogLevel(logLevel LogLevel)

	// Panicf outputs a log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise
	// outputs a log message and then panics
	PanicOnError(err error)

	// Fatalf outputs a log message and then exits with error status
	Fatalf(f string, args ...interface{})

	// Logf outputs to a Logger iff logLevel is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	// ELogf outputs to a Logger iff ERROR logging level is enabled
	ELogf(f string, args ...interface{})

	// WLogf outputs to a Logger iff WARNING logging level is enabled
	WLogf(f string, args ...interface{})

	// ILogf outputs to a Logger iff INFO logging level is enabled
	ILogf(f string, args ...interface{})

	// DLogf outputs to a Logger iff DEBUG logging level is enabled
	DLogf(f string, args ...interface{})

	// TLogf outputs to a Logger iff TRACE logging level is enabled
	TLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// WLogErrorf outputs an error message iff WARNING level is enabled, and returns
	// an error object with a description string that has the logger's prefix
	WLogErrorf(f string, args ...interface{}) error

	// DLogErrorf outputs an error message iff DEBUG level is enabled, and returns
	// an error object with a description string that has the logger's prefix
	DLogErrorf(f string, args ...interface{}) error

	// Event starts a structured record named name at the given level. The
	// returned event is nil (and all of its methods are no-ops) if the level
	// is not enabled. The record is written when Msg or Send is called on it.
	Event(logLevel LogLevel, name string) *zerolog.Event

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger

	// ForkLog is Fork without formatting
	ForkLog(name string) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC string
	zl      zerolog.Logger
	level   *levelVar
}

type options struct {
	writer     io.Writer
	logLevel   LogLevel
	prefix     string
	json       bool
	timeFormat string
}

// Option configures a Logger created with New
type Option func(*options) error

// WithWriter sets the destination of log records. The default is os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) error {
		if w == nil {
			return errors.New("dpxlog: nil writer")
		}
		o.writer = w
		return nil
	}
}

// WithLogLevel sets the initial log level. The default is LogLevelInfo.
func WithLogLevel(l LogLevel) Option {
	return func(o *options) error {
		if !l.valid() {
			return fmt.Errorf("dpxlog: invalid log level %d", int(l))
		}
		o.logLevel = l
		return nil
	}
}

// WithPrefix sets the root prefix
func WithPrefix(prefix string) Option {
	return func(o *options) error {
		o.prefix = prefix
		return nil
	}
}

// WithJSON selects JSON output instead of console lines
func WithJSON(json bool) Option {
	return func(o *options) error {
		o.json = json
		return nil
	}
}

// New creates a new root Logger
func New(opts ...Option) (Logger, error) {
	o := &options{
		writer:     os.Stderr,
		logLevel:   LogLevelInfo,
		timeFormat: "15:04:05",
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	w := o.writer
	if !o.json {
		w = zerolog.ConsoleWriter{Out: o.writer, TimeFormat: o.timeFormat, NoColor: true}
	}
	zl := zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()

	return newBasicLogger(o.prefix, zl, newLevelVar(o.logLevel)), nil
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	return newBasicLogger("", zerolog.Nop(), newLevelVar(LogLevelPanic))
}

func newBasicLogger(prefix string, zl zerolog.Logger, level *levelVar) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:  prefix,
		prefixC: prefixC,
		zl:      zl,
		level:   level,
	}
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.level.get() || logLevel <= LogLevelFatal
}

// logNoPrefix writes an already-prefixed message and then, for LogLevelPanic or
// LogLevelFatal, exits appropriately
func (l *BasicLogger) logNoPrefix(logLevel LogLevel, msg string) {
	l.zl.WithLevel(logLevel.zerolog()).Msg(msg)
	if logLevel == LogLevelFatal {
		os.Exit(1)
	}
	if logLevel == LogLevelPanic {
		panic(msg)
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.logNoPrefix(logLevel, l.Sprintf(f, args...))
	}
}

func (l *BasicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	if l.enabled(logLevel) {
		l.logNoPrefix(logLevel, msg)
	}
	return errors.New(msg)
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

// Panicf outputs a formatted log message and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// Fatalf outputs a formatted log message and then exits with error code 1
func (l *BasicLogger) Fatalf(f string, args ...interface{}) {
	l.Logf(LogLevelFatal, f, args...)
}

// ELogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// WLogErrorf outputs an error message if WARNING is enabled, and returns an error
// object with a description string that has the logger's prefix
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

// DLogErrorf outputs an error message if DEBUG is enabled, and returns an error
// object with a description string that has the logger's prefix
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

// Event starts a structured record. See Logger.Event.
func (l *BasicLogger) Event(logLevel LogLevel, name string) *zerolog.Event {
	if !l.enabled(logLevel) {
		return nil
	}
	e := l.zl.WithLevel(logLevel.zerolog()).Str("event", name)
	if l.prefix != "" {
		e = e.Str("component", l.prefix)
	}
	return e
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	return l.ForkLog(fmt.Sprintf(prefix, args...))
}

// ForkLog creates a new Logger with name appended onto the existing prefix
func (l *BasicLogger) ForkLog(name string) Logger {
	return newBasicLogger(l.prefixC+name, l.zl, l.level)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.level.get()
}

// SetLogLevel sets the log level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	if logLevel.valid() {
		l.level.set(logLevel)
	}
}
