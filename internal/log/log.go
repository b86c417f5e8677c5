// Package log configures zerolog for the Tessera node: colored console
// output for interactive use, JSON for machines, and an optional
// always-JSON log file.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Components derive from it, so Init must
// run before components are constructed.
var Logger zerolog.Logger

// Chain is the logger for block acceptance and ordering. It is rebuilt
// by Init so it follows the configured level and sinks.
var Chain zerolog.Logger

func init() {
	Logger = newLogger(consoleWriter(os.Stdout), "info")
	Chain = WithComponent("chain")
}

// Init reconfigures logging. With a file path, output goes to both the
// console and the file; the file always gets JSON so it stays parseable.
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}

	w := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		w = zerolog.MultiLevelWriter(console, f)
	}

	Logger = newLogger(w, level)
	Chain = WithComponent("chain")
	return nil
}

// WithComponent derives a logger tagged with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
	}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
