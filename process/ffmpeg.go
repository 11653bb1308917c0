package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/pipeline"
)

// Engine is the media tool the processor drives. Every call is expected to
// overwrite its output so that re-runs over the same inputs are repeatable.
type Engine interface {
	// Remux rewrites one raw segment as MPEG-TS with normalized streams.
	Remux(ctx context.Context, in, out string) error
	// Concat joins the files listed in manifest into out. A non-empty
	// subtitle is burned into the video during the same pass.
	Concat(ctx context.Context, manifest, subtitle, out string) error
	// Duration returns the length of a media file in seconds.
	Duration(ctx context.Context, path string) (float64, error)
	// Cut copies [start, start+length) of in into out.
	Cut(ctx context.Context, in, out string, start, length float64) error
}

// FFmpeg implements Engine with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Bin      string
	ProbeBin string
	Encoder  string
	Preset   string
	CRF      int
	Logger   *slog.Logger
}

// NewFFmpeg builds an engine from the ffmpeg config section.
func NewFFmpeg(cfg config.FFmpegConfig, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FFmpeg{
		Bin:      cfg.Bin,
		ProbeBin: cfg.ProbeBin,
		Encoder:  cfg.Encoder,
		Preset:   cfg.Preset,
		CRF:      cfg.CRF,
		Logger:   logger,
	}
	if f.Bin == "" {
		f.Bin = "ffmpeg"
	}
	if f.ProbeBin == "" {
		f.ProbeBin = "ffprobe"
	}
	if f.Encoder == "" {
		f.Encoder = "libx264"
	}
	if f.Preset == "" {
		f.Preset = "veryfast"
	}
	if f.CRF <= 0 {
		f.CRF = 23
	}
	return f
}

func (f *FFmpeg) Remux(ctx context.Context, in, out string) error {
	return f.run(ctx, f.Bin, remuxArgs(in, out))
}

func (f *FFmpeg) Concat(ctx context.Context, manifest, subtitle, out string) error {
	return f.run(ctx, f.Bin, f.concatArgs(manifest, subtitle, out))
}

func (f *FFmpeg) Cut(ctx context.Context, in, out string, start, length float64) error {
	return f.run(ctx, f.Bin, cutArgs(in, out, start, length))
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ProbeBin, "-v", "error", "-show_entries", "format=duration", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: probe %s: %v", pipeline.ErrCorruptInput, path, err)
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return 0, fmt.Errorf("%w: probe %s: %v", pipeline.ErrCorruptInput, path, err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(po.Format.Duration), 64)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s has no duration", pipeline.ErrCorruptInput, path)
	}
	return d, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args []string) error {
	f.Logger.Debug("exec", slog.String("bin", bin), slog.Any("args", args))
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v: %s", pipeline.ErrToolFailed, bin, err, lastLines(string(out), 5))
}

func remuxArgs(in, out string) []string {
	return []string{
		"-y", "-fflags", "+discardcorrupt", "-i", in,
		"-c", "copy", "-bsf:v", "h264_mp4toannexb", "-acodec", "aac",
		"-f", "mpegts", out,
	}
}

func (f *FFmpeg) concatArgs(manifest, subtitle, out string) []string {
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", manifest}
	if subtitle == "" {
		args = append(args, "-c", "copy", "-fflags", "+igndts")
	} else {
		args = append(args,
			"-vf", "subtitles="+filterPath(subtitle),
			"-c:v", f.Encoder, "-preset", f.Preset, "-crf", strconv.Itoa(f.CRF),
			"-c:a", "copy",
		)
	}
	return append(args, "-avoid_negative_ts", "make_zero", out)
}

func cutArgs(in, out string, start, length float64) []string {
	return []string{
		"-y", "-ss", seconds(start), "-t", seconds(length), "-accurate_seek",
		"-i", in, "-c", "copy", "-avoid_negative_ts", "1", out,
	}
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// filterPath escapes a path for use inside an ffmpeg filter argument.
func filterPath(p string) string {
	r := strings.NewReplacer(`\`, `/`, `:`, `\:`, `'`, `\'`, `,`, `\,`, `[`, `\[`, `]`, `\]`)
	return r.Replace(p)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
