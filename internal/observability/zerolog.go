package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewConsoleLogger builds the stdout logger used by the collector process.
// The preset label is attached to every line.
func NewConsoleLogger(label string, level string) *ZerologLogger {
	return NewZerologLogger(os.Stdout, label, level)
}

// NewZerologLogger builds a logger writing console-formatted lines to w.
func NewZerologLogger(w io.Writer, label string, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	log := zerolog.New(console).Level(lvl).With().Timestamp().Str("preset", label).Logger()
	return &ZerologLogger{log: log}
}

// Debug logs at debug level.
func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	z.emit(z.log.Debug(), msg, fields)
}

// Info logs at info level.
func (z *ZerologLogger) Info(msg string, fields ...Field) {
	z.emit(z.log.Info(), msg, fields)
}

// Warn logs at warn level.
func (z *ZerologLogger) Warn(msg string, fields ...Field) {
	z.emit(z.log.Warn(), msg, fields)
}

// Error logs at error level.
func (z *ZerologLogger) Error(msg string, fields ...Field) {
	z.emit(z.log.Error(), msg, fields)
}

func (z *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		evt = evt.Interface(f.Key, f.Value)
	}
	evt.Msg(msg)
}
