package telemetry

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	var buf bytes.Buffer
	closer, err := SetupLogging(LogOptions{Level: "info", Format: "json", Dir: dir, Stdout: &buf})
	if err != nil {
		t.Fatal(err)
	}
	slog.Info("hello", slog.String("component", "test"))
	slog.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), `"msg":"hello"`) || strings.Contains(buf.String(), "hidden") {
		t.Errorf("stdout = %q", buf.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "recorder_*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v", matches)
	}
	b, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(b), "hello") {
		t.Errorf("log file = %q", b)
	}
}
