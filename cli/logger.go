package cli

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// newLogger builds the command logger. A TTY without NO_COLOR gets the
// console writer; everything else gets JSON lines on stderr. Verbose
// and quiet map to Debug and Warn.
func newLogger(verbose, quiet bool) zerolog.Logger {
	return newLoggerTo(selectOutput(), verbose, quiet)
}

// newLoggerTo is newLogger with an explicit writer, for tests.
func newLoggerTo(w io.Writer, verbose, quiet bool) zerolog.Logger {
	return zerolog.New(w).Level(selectLevel(verbose, quiet)).With().Timestamp().Logger()
}

func selectLevel(verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return os.Stderr
}
