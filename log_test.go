package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("warn", &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("file", "x.csv").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "x.csv") {
		t.Errorf("output = %q", out)
	}

	buf.Reset()
	log = newLogger("nonsense", &buf)
	log.Debug().Msg("debug line")
	log.Info().Msg("info line")
	out = buf.String()
	if strings.Contains(out, "debug line") || !strings.Contains(out, "info line") {
		t.Errorf("unknown level should fall back to info, got %q", out)
	}
}
