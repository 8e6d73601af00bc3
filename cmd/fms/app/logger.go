package app

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/Zephyr271828/foundation-model-stack/internal/config"
)

// logLevel picks the level in order of precedence:
//  1. --log-level
//  2. -v (debug)
//  3. FMS_LOG_LEVEL or log_level in the config file
//  4. info
func logLevel(f globalFlags, cfg *config.Config) zerolog.Level {
	name := "info"
	switch {
	case f.logLevel != "":
		name = f.logLevel
	case f.verbose:
		name = "debug"
	case cfg != nil && cfg.LogLevel != "":
		name = cfg.LogLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// newLogger writes console output to terminals and JSON otherwise. format
// "console" or "json" forces one of them.
func newLogger(w io.Writer, level zerolog.Level, format string) zerolog.Logger {
	console := false
	switch strings.ToLower(format) {
	case "console", "pretty":
		console = true
	case "json":
	default:
		if f, ok := w.(*os.File); ok {
			console = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if level <= zerolog.DebugLevel {
		l = l.With().Caller().Logger()
	}
	return l
}
