// Package logger provides the default leveled logger backed by zerolog.
package logger

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog logger behind printf-style leveled methods.
type Logger struct {
	l zerolog.Logger
}

// NewLogger creates a logger writing human-readable output to stderr.
func NewLogger() (*Logger, error) {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	l := zerolog.New(writer).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	return &Logger{l: l}, nil
}

// NewNopLogger creates a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{l: zerolog.Nop()}
}

func (lg *Logger) Debug(args ...interface{}) {
	lg.l.Debug().Msg(fmt.Sprint(args...))
}

func (lg *Logger) Debugf(format string, args ...interface{}) {
	lg.l.Debug().Msgf(format, args...)
}

func (lg *Logger) Info(args ...interface{}) {
	lg.l.Info().Msg(fmt.Sprint(args...))
}

func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.l.Info().Msgf(format, args...)
}

func (lg *Logger) Warn(args ...interface{}) {
	lg.l.Warn().Msg(fmt.Sprint(args...))
}

func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.l.Warn().Msgf(format, args...)
}

func (lg *Logger) Error(args ...interface{}) {
	lg.l.Error().Msg(fmt.Sprint(args...))
}

func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.l.Error().Msgf(format, args...)
}

func (lg *Logger) Fatal(args ...interface{}) {
	lg.l.Fatal().Msg(fmt.Sprint(args...))
}

func (lg *Logger) Fatalf(format string, args ...interface{}) {
	lg.l.Fatal().Msgf(format, args...)
}
