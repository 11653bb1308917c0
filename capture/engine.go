package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/onnwee/live-tender/pipeline"
)

// Process is a running capture tool.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	// Interrupt asks the process to finish writing and exit.
	Interrupt() error
	// Kill terminates the process immediately.
	Kill() error
}

// Engine starts a capture tool writing roomID's stream to out.
type Engine interface {
	Start(ctx context.Context, roomID, out string) (Process, error)
}

// ExecEngine runs streamlink or yt-dlp.
type ExecEngine struct {
	Tool    string // streamlink | yt-dlp
	Bin     string
	Quality string
	// URLFormat turns a room id into the stream URL.
	URLFormat string
	Logger    *slog.Logger
}

// NewExecEngine returns an engine for tool with Twitch URLs.
func NewExecEngine(tool, bin, quality string) *ExecEngine {
	if bin == "" {
		bin = tool
	}
	return &ExecEngine{Tool: tool, Bin: bin, Quality: quality, URLFormat: "https://www.twitch.tv/%s"}
}

// Args returns the command line used for roomID and out.
func (e *ExecEngine) Args(roomID, out string) []string {
	url := fmt.Sprintf(e.URLFormat, roomID)
	quality := e.Quality
	if quality == "" {
		quality = "best"
	}
	switch e.Tool {
	case "yt-dlp":
		return []string{"--no-part", "--hls-use-mpegts", "-f", quality, "-o", out, url}
	default:
		return []string{"--twitch-disable-ads", "--stream-segment-threads", "2", "-o", out, url, quality}
	}
}

// Start launches the tool. The process is not bound to ctx: stopping is the
// session's job so the tool can be interrupted gracefully.
func (e *ExecEngine) Start(_ context.Context, roomID, out string) (Process, error) {
	//nolint:gosec // G204: binary and args come from operator config
	cmd := exec.Command(e.Bin, e.Args(roomID, out)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrStartFailed, e.Bin, err)
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("capture process started", slog.String("bin", e.Bin), slog.Int("pid", cmd.Process.Pid), slog.String("out", out))
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, lastLine(tail))
		}
		return err
	}
	return nil
}

func (p *execProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }
func (p *execProcess) Kill() error      { return p.cmd.Process.Kill() }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
