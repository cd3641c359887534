// Package logging adapts zerolog to the clinops.Logger interface.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinprecision/clinops-core"
)

// Logger is a clinops.Logger writing through zerolog.
type Logger struct {
	zl zerolog.Logger
}

var _ clinops.Logger = (*Logger)(nil)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Console switches from JSON lines to human readable output.
	Console bool
	Output  io.Writer
}

// New creates a Logger.
func New(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}, nil
}

// Wrap adapts an existing zerolog logger.
func Wrap(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// With returns a child logger that adds key to every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { write(l.zl.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { write(l.zl.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { write(l.zl.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { write(l.zl.Error(), msg, args) }

// write adds args as alternating key/value pairs. A trailing key without a
// value is logged under "!BADKEY".
func write(ev *zerolog.Event, msg string, args []interface{}) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			ev = ev.Interface("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		case time.Time:
			ev = ev.Time(key, v)
		case fmt.Stringer:
			ev = ev.Stringer(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
