// Package cleanup deletes expired session artifacts. An entry is expired when
// the timestamp in its name (or its modification time when the name has none)
// is older than the retention window. Entries of sessions that carry a
// failure marker, or that a runner still owns, are never deleted.
package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/telemetry"
)

// Report summarizes one sweep.
type Report struct {
	Deleted    int   `json:"deleted"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	BytesFreed int64 `json:"bytes_freed"`
	DryRun     bool  `json:"dry_run"`
}

// Sweeper walks the data root and the log directory.
type Sweeper struct {
	Root      string // <data_path>/data
	LogDir    string
	Retention time.Duration
	DryRun    bool
	// Active returns the slugs of sessions owned by a runner.
	Active func() []string
	Logger *slog.Logger

	mu sync.Mutex
}

type entry struct {
	path    string
	slug    string
	created time.Time
	isDir   bool
}

// Sweep deletes every expired entry. Concurrent calls are serialized, so a
// manual trigger waits for a scheduled sweep to finish.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger().With(slog.String("component", "cleanup"), slog.Bool("dry_run", s.DryRun))
	rep := Report{DryRun: s.DryRun}
	threshold := now.Add(-s.Retention)

	entries := s.snapshot(logger)
	active := make(map[string]bool)
	if s.Active != nil {
		for _, slug := range s.Active() {
			active[slug] = true
		}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.created.Before(threshold) {
			continue
		}
		if why := s.protected(e, active); why != "" {
			logger.Debug("keeping expired entry", slog.String("path", e.path), slog.String("reason", why))
			rep.Skipped++
			continue
		}
		size := sizeOf(e.path)
		if s.DryRun {
			logger.Info("dry-run: would delete", slog.String("path", e.path), slog.Int64("size_bytes", size))
			rep.Deleted++
			rep.BytesFreed += size
			continue
		}
		if err := os.RemoveAll(e.path); err != nil {
			logger.Warn("failed to delete", slog.String("path", e.path), slog.Any("err", err))
			rep.Errors++
			continue
		}
		logger.Info("deleted expired entry", slog.String("path", e.path), slog.Time("created", e.created), slog.Int64("size_bytes", size))
		rep.Deleted++
		rep.BytesFreed += size
	}

	if !s.DryRun {
		telemetry.Add(telemetry.CleanupDeleted, float64(rep.Deleted))
		telemetry.Add(telemetry.CleanupBytes, float64(rep.BytesFreed))
	}
	telemetry.Add(telemetry.CleanupSkipped, float64(rep.Skipped))
	logger.Info("cleanup completed",
		slog.Int("deleted", rep.Deleted),
		slog.Int("skipped", rep.Skipped),
		slog.Int("errors", rep.Errors),
		slog.Int64("bytes_freed", rep.BytesFreed))
	s.appendLog(now, rep, logger)
	return rep, nil
}

// protected returns why an expired entry must stay, or "".
func (s *Sweeper) protected(e entry, active map[string]bool) string {
	if e.slug != "" {
		if active[e.slug] {
			return "owned by runner"
		}
		if sess, err := store.FromSlug(s.Root, e.slug); err == nil && sess.Marked() {
			return "failure marker"
		}
	}
	if e.isDir && store.HasFailureMark(e.path) {
		return "failure marker"
	}
	return ""
}

// snapshot lists the top-level entries of every target directory.
func (s *Sweeper) snapshot(logger *slog.Logger) []entry {
	var dirs []string
	for _, sub := range store.Subdirs {
		dirs = append(dirs, filepath.Join(s.Root, sub))
	}
	if s.LogDir != "" {
		dirs = append(dirs, s.LogDir)
	}
	var out []entry
	for _, dir := range dirs {
		des, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("cannot read directory", slog.String("dir", dir), slog.Any("err", err))
			}
			continue
		}
		for _, de := range des {
			if dir == s.LogDir && de.Name() == cleanLog {
				continue
			}
			e := entry{path: filepath.Join(dir, de.Name()), isDir: de.IsDir()}
			if _, start, ok := store.ParseSlug(de.Name()); ok {
				e.slug = store.SlugOf(de.Name())
				e.created = start
			} else if fi, err := de.Info(); err == nil {
				e.created = fi.ModTime()
			} else {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

const cleanLog = "clean.log"

// appendLog keeps a plain history of sweeps next to the daemon logs.
func (s *Sweeper) appendLog(now time.Time, rep Report, logger *slog.Logger) {
	if s.LogDir == "" {
		return
	}
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		logger.Warn("cannot create log dir", slog.Any("err", err))
		return
	}
	f, err := os.OpenFile(filepath.Join(s.LogDir, cleanLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn("cannot open clean log", slog.Any("err", err))
		return
	}
	defer f.Close()
	_, _ = fmt.Fprintf(f, "%s deleted=%d skipped=%d errors=%d bytes_freed=%d dry_run=%t\n",
		now.Format("2006-01-02 15:04:05"), rep.Deleted, rep.Skipped, rep.Errors, rep.BytesFreed, rep.DryRun)
}

func sizeOf(p string) int64 {
	var total int64
	_ = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
