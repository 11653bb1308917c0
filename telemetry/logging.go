package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogOptions selects level, format and the optional log directory.
type LogOptions struct {
	Level  string
	Format string // text | json
	Dir    string
	Stdout io.Writer
}

// SetupLogging installs the default slog logger. When opts.Dir is set, output
// is also written to <dir>/recorder_<ts>.log. The returned closer flushes that file.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	lvl := ParseLevel(opts.Level)
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		name := fmt.Sprintf("recorder_%s.log", time.Now().Format("2006-01-02_15-04-05"))
		f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// ParseLevel maps a level name onto slog; unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
