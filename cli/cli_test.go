package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRunUnknownCommand(t *testing.T) {
	exitCode := -1
	orig := osExit
	osExit = func(code int) { exitCode = code }
	t.Cleanup(func() { osExit = orig })

	Run([]string{"pdfseal", "frobnicate"})
	if exitCode != 2 {
		t.Errorf("exit code = %d, want 2", exitCode)
	}
}

func TestRunWithoutArgsShowsUsage(t *testing.T) {
	exitCode := -1
	orig := osExit
	osExit = func(code int) { exitCode = code }
	t.Cleanup(func() { osExit = orig })

	Run([]string{"pdfseal"})
	if exitCode != -1 {
		t.Errorf("bare invocation exited with %d, want no exit", exitCode)
	}
}

func TestSelectLevel(t *testing.T) {
	tests := []struct {
		verbose, quiet bool
		want           zerolog.Level
	}{
		{false, false, zerolog.InfoLevel},
		{true, false, zerolog.DebugLevel},
		{false, true, zerolog.WarnLevel},
		{true, true, zerolog.DebugLevel},
	}
	for _, tt := range tests {
		if got := selectLevel(tt.verbose, tt.quiet); got != tt.want {
			t.Errorf("selectLevel(%v, %v) = %v, want %v", tt.verbose, tt.quiet, got, tt.want)
		}
	}
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerTo(&buf, false, false)

	logger.Info().Str("input", "doc.pdf").Msg("signed")
	if !strings.Contains(buf.String(), `"input":"doc.pdf"`) {
		t.Errorf("log line missing field: %s", buf.String())
	}

	buf.Reset()
	logger = newLoggerTo(&buf, false, true)
	logger.Info().Msg("suppressed")
	if buf.Len() != 0 {
		t.Errorf("quiet logger emitted info: %s", buf.String())
	}
}
