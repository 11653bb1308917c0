package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// UploadFailedMark is left in a splits dir whose upload gave up.
	UploadFailedMark = ".upload_failed"
	// ProcessFailedMark is left in a records dir whose merge or split failed.
	ProcessFailedMark = ".process_failed"
	// CompletedMark records a session that reached its terminal success state.
	CompletedMark = ".completed"
)

// FailureMarks protect a session from cleanup until an operator acts.
var FailureMarks = []string{UploadFailedMark, ProcessFailedMark}

// Mark writes marker name into dir with an informational body. The file and
// the directory entry are synced before Mark returns, so a crash right after
// cannot lose the marker.
func Mark(dir, name, reason string) error {
	reason = strings.ReplaceAll(reason, "\n", " ")
	body := fmt.Sprintf("failed_at=%s reason=%s\n", time.Now().Format("2006-01-02 15:04:05"), reason)
	return writeSynced(dir, name, []byte(body))
}

// MarkCompleted records the published identifiers of a finished session.
func MarkCompleted(dir string, ids []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "completed_at=%s\n", time.Now().Format("2006-01-02 15:04:05"))
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return writeSynced(dir, CompletedMark, []byte(b.String()))
}

// Clear removes marker name from dir if present.
func Clear(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		return syncDir(dir)
	}
	return nil
}

// HasMark reports whether marker name exists in dir.
func HasMark(dir, name string) bool {
	return exists(filepath.Join(dir, name))
}

// HasFailureMark reports whether dir carries any failure marker.
func HasFailureMark(dir string) bool {
	for _, m := range FailureMarks {
		if HasMark(dir, m) {
			return true
		}
	}
	return false
}

// Marked reports whether any of the session's directories carries a failure marker.
func (s *Session) Marked() bool {
	for _, d := range s.Dirs() {
		if HasFailureMark(d) {
			return true
		}
	}
	return false
}

// Completed reports whether the session reached its terminal success state.
func (s *Session) Completed() bool { return HasMark(s.SplitsDir(), CompletedMark) }

func writeSynced(dir, name string, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("marker dir: %w", err)
	}
	p := filepath.Join(dir, name)
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("marker create: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("marker write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("marker sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("marker close: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("marker rename: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems reject fsync on directories with EINVAL.
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
