package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/runner"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"invalid config", fmt.Errorf("load: %w", config.ErrInvalid), ExitOperatorError},
		{"usage", runner.ErrUsage, ExitOperatorError},
		{"unknown room", uploadFailure(runner.ErrUnknownRoom), ExitOperatorError},
		{"missing input", stageFailure(pipeline.ErrNotFound), ExitOperatorError},
		{"unknown account", uploadFailure(credentials.ErrUnknownAccount), ExitOperatorError},
		{"stage failure", stageFailure(pipeline.ErrCorruptInput), ExitStageFailure},
		{"not live", stageFailure(runner.ErrNotLive), ExitStageFailure},
		{"upload failure", uploadFailure(pipeline.ErrAuth), ExitUploadFailure},
		{"capture cannot start", stageFailure(pipeline.ErrStartFailed), ExitFatal},
		{"unclassified", errors.New("boom"), ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

// writeConfig writes a config whose data root lives in a temp dir and
// returns the config path and the data root.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`root:
  data_path: %s
  logger:
    level: error
rooms:
  - room_id: chan
%s`, dir, extra)
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p, filepath.Join(dir, "data")
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCmd(t *testing.T) {
	code, out, _ := run(t, "version")
	if code != ExitOK || !strings.Contains(out, "live-tender dev") {
		t.Errorf("version = %d %q", code, out)
	}
}

func TestOperatorErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"record", "--nope", "-c", cfgPath}},
		{"unexpected argument", []string{"clean", "extra", "-c", cfgPath}},
		{"missing config", []string{"clean", "-c", filepath.Join(t.TempDir(), "missing.yaml")}},
		{"record without room", []string{"record", "-c", cfgPath}},
		{"process without source", []string{"process", "-c", cfgPath}},
		{"process missing source", []string{"process", "-c", cfgPath, "--source", filepath.Join(t.TempDir(), "gone")}},
		{"split without target", []string{"split", "-c", cfgPath}},
		{"upload unknown room", []string{"upload", "-c", cfgPath, "--path", t.TempDir(), "--room-id", "other"}},
		{"negative retention", []string{"clean", "-c", cfgPath, "--retention", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			if code != ExitOperatorError {
				t.Errorf("exit = %d, want %d (stderr %q)", code, ExitOperatorError, stderr)
			}
			if !strings.Contains(stderr, "Error:") {
				t.Errorf("stderr = %q", stderr)
			}
		})
	}
}

func TestInvalidConfigCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("root:\n  data_path: %s\n  capture:\n    tool: ffmpeg\n", filepath.Join(dir, "rec"))
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run(t, "clean", "-c", p); code != ExitOperatorError {
		t.Fatalf("exit = %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "rec")); !os.IsNotExist(err) {
		t.Error("data path created for an invalid config")
	}
}

func TestClean(t *testing.T) {
	cfgPath, root := writeConfig(t, "")
	old := filepath.Join(root, "records", "chan_2020-01-01_00-00-00")
	marked := filepath.Join(root, "splits", "chan_2020-01-02_00-00-00")
	for _, d := range []string{old, marked} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(marked, ".upload_failed"), []byte("reason=auth"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := run(t, "clean", "-c", cfgPath, "--retention", "1")
	if code != ExitOK {
		t.Fatalf("exit = %d (stderr %q)", code, stderr)
	}
	if !strings.Contains(out, "deleted=1 skipped=1") {
		t.Errorf("report = %q", out)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired session kept")
	}
	if _, err := os.Stat(marked); err != nil {
		t.Error("marked session deleted")
	}
}

func TestCleanupSettings(t *testing.T) {
	cfg, err := config.Parse([]byte("root:\n  cleanup:\n    interval_hours: 12\n    retention_days: 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	every, keep, err := cleanupSettings(cfg, 0, 0)
	if err != nil || every.Hours() != 12 || keep.Hours() != 72 {
		t.Errorf("defaults = %s %s %v", every, keep, err)
	}
	every, keep, err = cleanupSettings(cfg, 30*time.Minute, 1)
	if err != nil || every.Minutes() != 30 || keep.Hours() != 24 {
		t.Errorf("overrides = %s %s %v", every, keep, err)
	}
	if _, _, err := cleanupSettings(cfg, -1, 0); !errors.Is(err, runner.ErrUsage) {
		t.Errorf("negative interval: err = %v", err)
	}
}
