// Package capture runs the external stream capture tool for one session.
//
// Each tool run writes a new raw segment named by its start time. When the
// tool exits on its own while the room is still live, a new run is started
// into a fresh segment after a short delay, and the gap is logged. Segments
// are reported only after their process exited.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/telemetry"
)

// Reason explains why a capture ended.
type Reason int

const (
	ReasonStopped Reason = iota
	ReasonStreamEnded
	ReasonMaxDuration
	ReasonStartFailed
	ReasonToolFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonStreamEnded:
		return "stream_ended"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonStartFailed:
		return "start_failed"
	case ReasonToolFailed:
		return "tool_failed"
	default:
		return "unknown"
	}
}

// LiveFunc reports whether the room is still live. It should return the last
// known state when the check itself fails.
type LiveFunc func(ctx context.Context) bool

// Options tune a capture.
type Options struct {
	StopGrace    time.Duration
	RestartDelay time.Duration
	// MaxRestarts bounds consecutive runs that fail to start or exit without output.
	MaxRestarts int
	// MaxDuration stops the capture after this long; zero means unbounded.
	MaxDuration time.Duration
}

// Result is what a finished capture produced.
type Result struct {
	Segments []string
	Reason   Reason
	Restarts int
	Err      error
}

// Handle controls a running capture.
type Handle struct {
	engine Engine
	sess   *store.Session
	live   LiveFunc
	opts   Options
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	result   Result
}

// Start begins capturing sess in the background. Cancelling ctx stops the
// capture the same way Stop does.
func Start(ctx context.Context, engine Engine, sess *store.Session, live LiveFunc, opts Options, logger *slog.Logger) *Handle {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 3
	}
	if live == nil {
		live = func(context.Context) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{
		engine: engine,
		sess:   sess,
		live:   live,
		opts:   opts,
		logger: logger.With(slog.String("component", "capture")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

// Done is closed when the capture has ended, by itself or after Stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop ends the capture gracefully and returns its result. It is safe to call
// more than once and after the capture ended by itself.
func (h *Handle) Stop() Result {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	return h.result
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	var deadline <-chan time.Time
	if h.opts.MaxDuration > 0 {
		t := time.NewTimer(h.opts.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	if err := os.MkdirAll(h.sess.RecordsDir(), 0o755); err != nil {
		h.result.Reason = ReasonStartFailed
		h.result.Err = fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
		return
	}

	failures := 0
	for {
		select {
		case <-h.stop:
			h.result.Reason = ReasonStopped
			return
		case <-ctx.Done():
			h.result.Reason = ReasonStopped
			return
		default:
		}

		path := h.sess.SegmentPath(time.Now())
		proc, err := h.engine.Start(ctx, h.sess.RoomID, path)
		if err != nil {
			failures++
			h.logger.Warn("capture start failed", slog.Int("attempt", failures), slog.Any("err", err))
			if failures >= h.opts.MaxRestarts {
				h.result.Reason = ReasonStartFailed
				if !errors.Is(err, pipeline.ErrStartFailed) {
					err = fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
				}
				h.result.Err = err
				return
			}
			if !h.sleep(ctx, h.opts.RestartDelay) {
				h.result.Reason = ReasonStopped
				return
			}
			continue
		}

		started := time.Now()
		stopped, reason, waitErr := h.supervise(ctx, proc, deadline)
		produced := h.keep(path)
		if stopped {
			h.result.Reason = reason
			return
		}

		if produced {
			failures = 0
		} else {
			failures++
			if failures >= h.opts.MaxRestarts {
				h.result.Reason = ReasonToolFailed
				h.result.Err = fmt.Errorf("%w: capture produced no output %d times: %v", pipeline.ErrToolFailed, failures, waitErr)
				return
			}
		}

		if !h.live(ctx) {
			h.logger.Info("capture ended with the stream", slog.Duration("ran", time.Since(started)), slog.Any("exit", waitErr))
			h.result.Reason = ReasonStreamEnded
			return
		}

		h.result.Restarts++
		telemetry.Inc(telemetry.CaptureRestarts)
		h.logger.Warn("capture exited while live, restarting into a new segment",
			slog.Duration("ran", time.Since(started)),
			slog.Duration("gap", h.opts.RestartDelay),
			slog.Any("exit", waitErr))
		if !h.sleep(ctx, h.opts.RestartDelay) {
			h.result.Reason = ReasonStopped
			return
		}
	}
}

// supervise waits for proc to exit or for a stop request, in which case the
// process is interrupted and killed after the grace period.
func (h *Handle) supervise(ctx context.Context, proc Process, deadline <-chan time.Time) (bool, Reason, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- proc.Wait() }()

	var reason Reason
	select {
	case err := <-errCh:
		return false, 0, err
	case <-h.stop:
		reason = ReasonStopped
	case <-ctx.Done():
		reason = ReasonStopped
	case <-deadline:
		reason = ReasonMaxDuration
	}

	if err := proc.Interrupt(); err != nil {
		h.logger.Debug("interrupt failed", slog.Any("err", err))
	}
	timer := time.NewTimer(h.opts.StopGrace)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return true, reason, err
	case <-timer.C:
		h.logger.Warn("capture did not exit within grace period, killing", slog.Duration("grace", h.opts.StopGrace))
		if err := proc.Kill(); err != nil {
			h.logger.Debug("kill failed", slog.Any("err", err))
		}
		return true, reason, <-errCh
	}
}

// keep records path as a segment when it holds data and removes it otherwise.
func (h *Handle) keep(path string) bool {
	if store.FileSize(path) > 0 {
		h.result.Segments = append(h.result.Segments, path)
		return true
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.logger.Debug("remove empty segment", slog.String("path", path), slog.Any("err", err))
	}
	return false
}

func (h *Handle) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
