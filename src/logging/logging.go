package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// File is a rotating log file. Empty means stderr.
	File   string
	Level  string
	Format string // "terminal" or "json"
}

// Setup installs the process-wide logger and returns a closer for the
// underlying file, if any.
func Setup(opts Options) (io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out, closer = rotating, rotating
	}

	log.SetDefault(log.NewLogger(NewHandler(out, lvl, opts.Format)))
	return closer, nil
}

// ParseLevel maps a level name to its slog level. Names are case-insensitive.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("invalid log level %q", name)
}

// NewHandler builds the slog handler used by Setup.
func NewHandler(w io.Writer, lvl slog.Level, format string) slog.Handler {
	if format == "json" {
		return log.JSONHandlerWithLevel(w, lvl)
	}
	return log.NewTerminalHandlerWithLevel(w, lvl, false)
}

// Discard routes all logs to io.Discard; handy in tests.
func Discard() {
	log.SetDefault(log.NewLogger(log.DiscardHandler()))
}
