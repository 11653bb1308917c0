package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/telemetry"
)

// Options tune an overlay capture.
type Options struct {
	// MaxFailures consecutive failed connections degrade the capture.
	MaxFailures    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Buffer is the number of events queued between the feed and the writer.
	Buffer int
	// StableAfter is how long a connection must last to reset the failure count.
	StableAfter time.Duration
}

// Capture appends accepted feed events to a session's overlay log.
type Capture struct {
	feed   Feed
	roomID string
	path   string
	opts   Options
	logger *slog.Logger

	file    *os.File
	events  chan Event
	cancel  context.CancelFunc
	feedWG  sync.WaitGroup
	writeWG sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	written  atomic.Int64
	degraded atomic.Bool
	stopOnce sync.Once
}

// Start opens path for appending and begins reading roomID's feed.
func Start(ctx context.Context, feed Feed, roomID, path string, opts Options, logger *slog.Logger) (*Capture, error) {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("overlay dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("overlay log: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Capture{
		feed:   feed,
		roomID: roomID,
		path:   path,
		opts:   opts,
		logger: logger.With(slog.String("component", "overlay")),
		file:   f,
		events: make(chan Event, opts.Buffer),
		cancel: cancel,
	}
	c.writeWG.Add(1)
	go c.write()
	c.feedWG.Add(1)
	go c.run(runCtx)
	return c, nil
}

// Degraded reports whether the capture gave up reconnecting.
func (c *Capture) Degraded() bool { return c.degraded.Load() }

// Written returns the number of events written so far.
func (c *Capture) Written() int64 { return c.written.Load() }

// Stop disconnects the feed, writes every buffered event and closes the log.
// It returns the log path, or "" when no event was written (the empty file is removed).
func (c *Capture) Stop() string {
	c.stopOnce.Do(func() {
		c.cancel()
		c.feedWG.Wait()
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
		c.writeWG.Wait()
		if err := c.file.Close(); err != nil {
			c.logger.Warn("overlay log close failed", slog.Any("err", err))
		}
		if c.written.Load() == 0 && fileEmpty(c.path) {
			_ = os.Remove(c.path)
		}
	})
	if c.written.Load() == 0 && fileEmpty(c.path) {
		return ""
	}
	return c.path
}

func (c *Capture) emit(ev RawEvent) {
	if !Accept(ev) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- toEvent(ev):
	default:
		c.logger.Warn("overlay buffer full, dropping event")
	}
}

func (c *Capture) run(ctx context.Context) {
	defer c.feedWG.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Reset()

	failures := 0
	for {
		started := time.Now()
		before := c.written.Load()
		err := c.feed.Run(ctx, c.roomID, c.emit)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= c.opts.StableAfter || c.written.Load() > before {
			failures = 0
			b.Reset()
		}
		failures++
		if failures >= c.opts.MaxFailures {
			c.degraded.Store(true)
			telemetry.Inc(telemetry.OverlayDegraded)
			c.logger.Error("overlay feed keeps failing, continuing the session without overlay",
				slog.Int("failures", failures), slog.Any("err", err))
			return
		}
		wait := b.NextBackOff()
		c.logger.Warn("overlay feed disconnected, reconnecting",
			slog.Int("failures", failures), slog.Duration("wait", wait), slog.Any("err", err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Capture) write() {
	defer c.writeWG.Done()
	w := bufio.NewWriter(c.file)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for ev := range c.events {
		if err := enc.Encode(ev); err != nil {
			c.logger.Warn("overlay write failed", slog.Any("err", err))
			continue
		}
		c.written.Add(1)
		telemetry.Inc(telemetry.OverlayEvents)
		if len(c.events) == 0 {
			if err := w.Flush(); err != nil {
				c.logger.Warn("overlay flush failed", slog.Any("err", err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		c.logger.Warn("overlay flush failed", slog.Any("err", err))
	}
}

func fileEmpty(p string) bool {
	fi, err := os.Stat(p)
	return err != nil || fi.Size() == 0
}
