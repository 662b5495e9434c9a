// Package log provides structured logging for aidentd using zerolog.
//
// Output always goes to stderr (or an explicit io.Writer) and never to
// stdout, since stdout carries the RFC 1413 wire response: the outer
// super-server reads exactly one line from fd 1, and a stray log line
// there would corrupt the protocol framing.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

// Level represents a log verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Verbosity follows the original
// aidentd -v/-q dial: repeated -v lowers the threshold, repeated -q
// raises it, starting from the "notice" equivalent (InfoLevel).
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// LevelFromVerbosity maps the aidentd -v/-q counters onto a Level. The
// baseline (verbosity == 0) corresponds to the original's default
// "notice" threshold; each -q below that raises the threshold one step,
// each -v above it lowers it one step.
func LevelFromVerbosity(verbosity int) Level {
	switch {
	case verbosity >= 1:
		return DebugLevel
	case verbosity == 0:
		return InfoLevel
	case verbosity == -1:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// WithComponent creates a child logger tagged with the originating
// component (e.g. "sockdiag", "conntrack", "forward").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithQueryID creates a child logger tagged with the per-invocation
// correlation id, so that a single query's log lines can be grepped out
// of a shared stderr/syslog stream even though each invocation is its
// own process.
func WithQueryID(queryID string) zerolog.Logger {
	return Logger.With().Str("query_id", queryID).Logger()
}

// Helper functions for common logging patterns.

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Notice(msg string) {
	Logger.Info().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Warnf(msg string, err error) {
	Logger.Warn().Err(err).Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}

func Fatalf(msg string, err error) {
	Logger.Fatal().Err(err).Msg(msg)
}
