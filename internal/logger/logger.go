// Package logger configures the process-wide phuslu logger. Other packages
// log through the package-level log.Debug(), log.Info() and friends.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/phuslu/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string    // TRACE, DEBUG, INFO, WARN, ERROR
	Format string    // console or json
	Color  bool      // colour console output when writing to a terminal
	Writer io.Writer // defaults to stderr; stdout carries command output
}

// Init installs the logger described by cfg as log.DefaultLogger and
// returns it.
func Init(cfg LogConfig) *log.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stderr
	}

	l := log.Logger{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		l.TimeFormat = time.RFC3339
		l.Writer = &log.IOWriter{Writer: out}
	} else {
		l.TimeFormat = "15:04:05.000"
		l.Writer = &log.ConsoleWriter{
			ColorOutput:    cfg.Color && isTerminal(out),
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         out,
		}
	}

	log.DefaultLogger = l
	return &log.DefaultLogger
}

func parseLevel(level string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return log.TraceLevel
	case "DEBUG":
		return log.DebugLevel
	case "WARN", "WARNING":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && log.IsTerminal(f.Fd())
}
