// Package telemetry wraps zerolog with the small structured-field API the
// rest of this module logs through, so call sites never import zerolog
// directly.
package telemetry

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Field is one structured key/value pair attached to a log line.
type Field struct {
	key   string
	value any
}

func String(key, value string) Field  { return Field{key, value} }
func Int(key string, value int) Field { return Field{key, value} }
func Float64(key string, value float64) Field {
	return Field{key, value}
}
func Bool(key string, value bool) Field { return Field{key, value} }
func Err(err error) Field               { return Field{zerolog.ErrorFieldName, err} }
func Duration(key string, value any) Field {
	return Field{key, value}
}

// Logger is the interface every component in this module logs through.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithModule(name string) Logger
}

type zeroLogger struct {
	logger zerolog.Logger
}

// New builds a Logger writing to w in human-readable console form when
// console is true, and as newline-delimited JSON otherwise.
func New(w io.Writer, console bool) Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return &zeroLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything; useful as a test default.
func Nop() Logger {
	return &zeroLogger{logger: zerolog.Nop()}
}

func (l *zeroLogger) with(ev *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.value.(type) {
		case string:
			ev = ev.Str(f.key, v)
		case int:
			ev = ev.Int(f.key, v)
		case float64:
			ev = ev.Float64(f.key, v)
		case bool:
			ev = ev.Bool(f.key, v)
		case error:
			ev = ev.AnErr(f.key, v)
		default:
			ev = ev.Interface(f.key, v)
		}
	}
	return ev
}

func (l *zeroLogger) Debug(msg string, fields ...Field) {
	l.with(l.logger.Debug(), fields).Msg(msg)
}

func (l *zeroLogger) Info(msg string, fields ...Field) {
	l.with(l.logger.Info(), fields).Msg(msg)
}

func (l *zeroLogger) Warn(msg string, fields ...Field) {
	l.with(l.logger.Warn(), fields).Msg(msg)
}

func (l *zeroLogger) Error(msg string, fields ...Field) {
	l.with(l.logger.Error(), fields).Msg(msg)
}

func (l *zeroLogger) Fatal(msg string, fields ...Field) {
	// Never calls os.Exit itself: the driver decides the process exit code.
	l.with(l.logger.Error(), fields).Str("level_intent", "fatal").Msg(msg)
}

func (l *zeroLogger) WithModule(name string) Logger {
	return &zeroLogger{logger: l.logger.With().Str("module", name).Logger()}
}

var (
	defaultOnce   sync.Once
	defaultLogger Logger
)

// Default returns a process-wide console logger writing to stderr,
// constructed once.
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr, true)
	})
	return defaultLogger
}
