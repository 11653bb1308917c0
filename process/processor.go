// Package process turns a session's raw segments into one merged file and
// cuts that file into fixed-length pieces for upload.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/overlay"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/store"
)

// Processor merges and splits sessions.
type Processor struct {
	Engine Engine
	// Segments smaller than MinSegmentBytes are treated as capture noise.
	MinSegmentBytes int64
	// Trailing pieces shorter than MinTailSeconds are not written.
	MinTailSeconds float64
	Style          config.DanmuAssConfig
	Logger         *slog.Logger
}

// New builds a Processor backed by ffmpeg.
func New(cfg config.FFmpegConfig, style config.DanmuAssConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Engine:          NewFFmpeg(cfg, logger),
		MinSegmentBytes: cfg.MinSegmentBytes,
		MinTailSeconds:  cfg.MinTailSeconds,
		Style:           style,
		Logger:          logger,
	}
}

// Sources are the inputs of a merge. Subtitle, when set, is a ready ASS file
// and wins over OverlayLog.
type Sources struct {
	Segments   []string
	OverlayLog string
	Subtitle   string
}

// Merge concatenates src.Segments in order into the session's merged file,
// burning in the overlay when one is available. Raw segments are never touched.
func (p *Processor) Merge(ctx context.Context, sess *store.Session, src Sources) (string, error) {
	logger := p.logger().With(slog.String("session", sess.Slug), slog.String("stage", string(pipeline.StageMerge)))

	outDir := sess.OutputsDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("outputs dir: %w", err)
	}
	if err := os.MkdirAll(sess.MergedDir(), 0o755); err != nil {
		return "", fmt.Errorf("merged dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(sess.MergeConf()), 0o755); err != nil {
		return "", fmt.Errorf("merge_confs dir: %w", err)
	}

	var parts []string
	corrupt := 0
	for _, seg := range src.Segments {
		size := store.FileSize(seg)
		if size == 0 {
			logger.Warn("segment missing or empty, skipping", slog.String("path", seg))
			continue
		}
		if size < p.MinSegmentBytes {
			logger.Info("segment below minimum size, skipping", slog.String("path", seg), slog.Int64("bytes", size))
			continue
		}
		out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(seg), filepath.Ext(seg))+".ts")
		if err := p.Engine.Remux(ctx, seg, out); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			corrupt++
			logger.Warn("segment remux failed, skipping", slog.String("path", seg), slog.Any("err", err))
			_ = os.Remove(out)
			continue
		}
		parts = append(parts, out)
	}
	if len(parts) == 0 {
		if corrupt > 0 {
			return "", fmt.Errorf("%w: %d segments failed to remux", pipeline.ErrCorruptInput, corrupt)
		}
		return "", pipeline.ErrNoSegments
	}

	if err := writeManifest(sess.MergeConf(), parts); err != nil {
		return "", err
	}

	subtitle, err := p.subtitle(sess, src, logger)
	if err != nil {
		return "", err
	}

	merged := sess.MergedFile()
	part := partPath(merged)
	err = p.Engine.Concat(ctx, sess.MergeConf(), subtitle, part)
	if err != nil && subtitle != "" && ctx.Err() == nil {
		logger.Warn("burn-in failed, merging without overlay", slog.Any("err", err))
		err = p.Engine.Concat(ctx, sess.MergeConf(), "", part)
	}
	if err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("concat: %w", err)
	}
	if err := os.Rename(part, merged); err != nil {
		return "", fmt.Errorf("finalize merged file: %w", err)
	}
	if err := os.RemoveAll(outDir); err != nil {
		logger.Warn("remove intermediates failed", slog.Any("err", err))
	}
	logger.Info("merged", slog.String("path", merged), slog.Int("segments", len(parts)), slog.Bool("overlay", subtitle != ""))
	return merged, nil
}

func (p *Processor) subtitle(sess *store.Session, src Sources, logger *slog.Logger) (string, error) {
	if src.Subtitle != "" {
		if _, err := os.Stat(src.Subtitle); err != nil {
			return "", fmt.Errorf("%w: subtitle %s", pipeline.ErrNotFound, src.Subtitle)
		}
		return src.Subtitle, nil
	}
	if src.OverlayLog == "" {
		return "", nil
	}
	ok, err := overlay.RenderASS(src.OverlayLog, sess.DanmuASS(), sess.Start, p.Style)
	if err != nil {
		logger.Warn("overlay render failed, merging without overlay", slog.Any("err", err))
		return "", nil
	}
	if !ok {
		return "", nil
	}
	return sess.DanmuASS(), nil
}

// Split cuts merged into interval-second pieces in the session's splits
// directory. Pieces from an earlier run are replaced. With interval <= 0 the
// merged file is copied as a single piece.
func (p *Processor) Split(ctx context.Context, sess *store.Session, merged string, interval int) ([]string, error) {
	logger := p.logger().With(slog.String("session", sess.Slug), slog.String("stage", string(pipeline.StageSplit)))
	if _, err := os.Stat(merged); err != nil {
		return nil, fmt.Errorf("%w: merged file %s", pipeline.ErrNotFound, merged)
	}
	if err := os.MkdirAll(sess.SplitsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("splits dir: %w", err)
	}
	if err := sess.RemoveSplits(); err != nil {
		return nil, fmt.Errorf("remove old splits: %w", err)
	}

	if interval <= 0 {
		out := sess.SplitPath(0)
		if err := copyFile(merged, out); err != nil {
			return nil, fmt.Errorf("copy merged file: %w", err)
		}
		logger.Info("split disabled, copied merged file", slog.String("path", out))
		return []string{out}, nil
	}

	duration, err := p.Engine.Duration(ctx, merged)
	if err != nil {
		return nil, err
	}
	pieces := planSplits(duration, float64(interval), p.MinTailSeconds)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: %s is too short to split", pipeline.ErrCorruptInput, merged)
	}

	out := make([]string, 0, len(pieces))
	for i, pc := range pieces {
		dst := sess.SplitPath(i)
		part := partPath(dst)
		if err := p.Engine.Cut(ctx, merged, part, pc.Start, pc.Length); err != nil {
			_ = os.Remove(part)
			return nil, fmt.Errorf("cut piece %d: %w", i, err)
		}
		if err := os.Rename(part, dst); err != nil {
			return nil, fmt.Errorf("finalize piece %d: %w", i, err)
		}
		out = append(out, dst)
	}
	logger.Info("split", slog.Int("pieces", len(out)), slog.Float64("duration", duration), slog.Int("interval", interval))
	return out, nil
}

type piece struct {
	Start  float64
	Length float64
}

// planSplits lays out [i*interval, min((i+1)*interval, duration)) pieces,
// dropping any shorter than minTail.
func planSplits(duration, interval, minTail float64) []piece {
	if duration <= 0 || interval <= 0 {
		return nil
	}
	var out []piece
	for start := 0.0; start < duration; start += interval {
		length := interval
		if start+length > duration {
			length = duration - start
		}
		if length <= 0 || length < minTail {
			continue
		}
		out = append(out, piece{Start: start, Length: length})
	}
	return out
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func writeManifest(path string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// partPath is where a file is written before it is complete.
func partPath(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".part" + filepath.Ext(p)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	part := partPath(dst)
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return err
	}
	return os.Rename(part, dst)
}
