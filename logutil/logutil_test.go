package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("reading tensor", "name", "thinker.lm_head.weight")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("TRACE Level fehlt: %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("Quelldatei muss Basename des Aufrufers sein: %q", out)
	}
}

func TestNewLoggerFiltersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("hidden")
	if buf.Len() != 0 {
		t.Errorf("Trace darf bei INFO nichts schreiben: %q", buf.String())
	}
}
