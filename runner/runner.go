// Package runner drives one room through its session cycle: poll liveness,
// record, merge, split, upload, and back to polling. A supervisor owns one
// runner per configured room; a failing room never stops the others.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/notify"
	"github.com/onnwee/live-tender/overlay"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/process"
	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/upload"
)

// LiveChecker answers whether a room is broadcasting.
type LiveChecker interface {
	IsLive(ctx context.Context, roomID string) (bool, error)
}

// Processor merges and splits sessions.
type Processor interface {
	Merge(ctx context.Context, sess *store.Session, src process.Sources) (string, error)
	Split(ctx context.Context, sess *store.Session, merged string, interval int) ([]string, error)
}

// Publisher uploads a split directory.
type Publisher interface {
	Publish(ctx context.Context, dir string, req upload.Request) pipeline.Outcome
}

// Ledger keeps stage history.
type Ledger interface {
	Record(ctx context.Context, rec db.StageRecord) error
}

// Deps are the collaborators shared by every runner.
type Deps struct {
	Live      LiveChecker
	Capture   capture.Engine
	Feed      overlay.Feed // optional
	Processor Processor
	Publisher Publisher
	Ledger    Ledger          // optional
	Notifier  notify.Notifier // optional
}

// Runner is the state machine of one room.
type Runner struct {
	room   config.RoomConfig
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	// PollInterval is how often liveness is checked, in every state that polls.
	PollInterval time.Duration

	mu     sync.RWMutex
	status Status
	claims *claims
}

// New builds a runner for room.
func New(cfg *config.Config, room config.RoomConfig, deps Deps, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Runner{
		room:         room,
		cfg:          cfg,
		deps:         deps,
		logger:       logger.With(slog.String("component", "runner"), slog.String("room_id", room.RoomID)),
		PollInterval: cfg.CheckEvery(),
		status:       Status{RoomID: room.RoomID, State: StateIdle, Since: time.Now()},
		claims:       newClaims(),
	}
}

// RoomID returns the room this runner drives.
func (r *Runner) RoomID() string { return r.room.RoomID }

// Status returns a snapshot of the runner.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Owned returns the slugs of the sessions the runner is working on.
func (r *Runner) Owned() []string { return r.claims.heldBy(r.room.RoomID) }

// claim takes ownership of slug. It fails while a manual operation holds it.
func (r *Runner) claim(slug string) bool { return r.claims.acquire(slug, r.room.RoomID) }

func (r *Runner) release(slug string) { r.claims.release(slug) }

func (r *Runner) setState(s State, session string) {
	r.mu.Lock()
	prev := r.status.State
	r.status.State = s
	r.status.Session = session
	if prev != s {
		r.status.Since = time.Now()
	}
	r.mu.Unlock()
	if prev != s {
		telemetry.SetRoomState(r.room.RoomID, prev.String(), s.String())
		r.logger.Info("state changed", slog.String("from", prev.String()), slog.String("to", s.String()), slog.String("session", session))
	}
}

func (r *Runner) setLive(live bool) {
	r.mu.Lock()
	r.status.Live = live
	r.mu.Unlock()
	telemetry.SetRoomLive(r.room.RoomID, live)
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}

// Run resumes interrupted sessions and then watches the room until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started", slog.Duration("poll_interval", r.PollInterval))
	r.guard(ctx, r.reconcile)
	for ctx.Err() == nil {
		r.guard(ctx, r.tick)
	}
	r.logger.Info("runner stopped")
}

// guard keeps a panic inside one iteration from killing the runner.
func (r *Runner) guard(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			r.logger.Error("runner recovered from panic", slog.Any("err", err), slog.String("stack", string(debug.Stack())))
			r.setLastError(err)
			r.setState(StateError, "")
			sleep(ctx, r.PollInterval)
		}
	}()
	fn(ctx)
}

func (r *Runner) tick(ctx context.Context) {
	r.setState(StateIdle, "")
	if r.pollLive(ctx) {
		r.session(ctx)
	}
	sleep(ctx, r.PollInterval)
}

// pollLive asks the liveness source. A failed check keeps the previous state.
func (r *Runner) pollLive(ctx context.Context) bool {
	live, err := r.deps.Live.IsLive(ctx, r.room.RoomID)
	if err != nil {
		prev := r.Status().Live
		if ctx.Err() == nil {
			r.logger.Warn("liveness check failed, keeping previous state", slog.Bool("live", prev), slog.Any("err", err))
		}
		return prev
	}
	r.setLive(live)
	return live
}

// session records one live session and carries it through the pipeline.
func (r *Runner) session(ctx context.Context) {
	sess := store.NewSession(r.cfg.DataRoot(), r.room.RoomID, time.Now())
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	if !r.claim(sess.Slug) {
		r.logger.Warn("session is held by a manual operation, not recording", slog.String("session", sess.Slug))
		return
	}
	defer r.release(sess.Slug)

	r.setState(StateLiveDetected, sess.Slug)
	if err := sess.EnsureDirs(); err != nil {
		r.fail(ctx, sess, pipeline.Failed(pipeline.StageRecord, fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)))
		return
	}

	res, overlayLog := r.record(ctx, sess, 0)
	if len(res.Segments) == 0 {
		if err := sess.Discard(); err != nil {
			r.logger.Warn("could not discard empty session", slog.String("session", sess.Slug), slog.Any("err", err))
		}
		if res.Err != nil {
			r.fail(ctx, sess, pipeline.Failed(pipeline.StageRecord, res.Err))
			return
		}
		r.logger.Info("session produced no segments, discarded", slog.String("session", sess.Slug), slog.String("reason", res.Reason.String()))
		return
	}
	if ctx.Err() != nil {
		r.logger.Info("shutdown during recording, segments kept for the next start",
			slog.String("session", sess.Slug), slog.Int("segments", len(res.Segments)))
		return
	}
	r.finish(ctx, sess, process.Sources{Segments: res.Segments, OverlayLog: overlayLog})
}

// record captures until the room goes offline, the capture ends by itself,
// maxDuration elapses or ctx ends. The overlay capture is stopped and flushed
// before the capture so its log is closed when segments are handed on.
func (r *Runner) record(ctx context.Context, sess *store.Session, maxDuration time.Duration) (capture.Result, string) {
	r.setState(StateRecording, sess.Slug)
	logger := r.logger.With(slog.String("session", sess.Slug), slog.String("stage", string(pipeline.StageRecord)))
	telemetry.StageStarted(string(pipeline.StageRecord))
	started := time.Now()

	var ov *overlay.Capture
	if r.room.Recorder.EnableDanmu && r.deps.Feed != nil {
		var err error
		ov, err = overlay.Start(ctx, r.deps.Feed, r.room.RoomID, sess.DanmuLog(), r.overlayOptions(), logger)
		if err != nil {
			logger.Warn("overlay capture unavailable for this session", slog.Any("err", err))
		}
	}

	c := r.cfg.Root.Capture
	h := capture.Start(ctx, r.deps.Capture, sess, func(ctx context.Context) bool { return r.pollLive(ctx) }, capture.Options{
		StopGrace:    c.StopGrace,
		RestartDelay: c.RestartDelay,
		MaxRestarts:  c.MaxRestarts,
		MaxDuration:  maxDuration,
	}, logger)

	r.watch(ctx, h, logger)

	overlayLog := ""
	if ov != nil {
		overlayLog = ov.Stop()
		if ov.Degraded() {
			logger.Warn("overlay capture degraded during the session")
		}
	}
	res := h.Stop()

	kind := pipeline.KindSuccess
	if res.Err != nil {
		kind = pipeline.KindOf(res.Err)
	}
	telemetry.StageFinished(string(pipeline.StageRecord), kind.String(), time.Since(started))
	logger.Info("recording finished",
		slog.Int("segments", len(res.Segments)),
		slog.Int("restarts", res.Restarts),
		slog.String("reason", res.Reason.String()),
		slog.Bool("overlay", overlayLog != ""))
	return res, overlayLog
}

// watch blocks until the capture ends or the room is seen offline.
func (r *Runner) watch(ctx context.Context, h *capture.Handle, logger *slog.Logger) {
	t := time.NewTicker(r.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if !r.pollLive(ctx) {
				logger.Info("room went offline")
				return
			}
		}
	}
}

func (r *Runner) overlayOptions() overlay.Options {
	o := r.cfg.Root.Overlay
	return overlay.Options{
		MaxFailures:    o.MaxFailures,
		InitialBackoff: o.InitialBackoff,
		MaxBackoff:     o.MaxBackoff,
		Buffer:         o.Buffer,
	}
}

// finish runs merge, split and upload for a recorded session.
func (r *Runner) finish(ctx context.Context, sess *store.Session, src process.Sources) {
	merged, ok := r.merge(ctx, sess, src)
	if !ok {
		return
	}
	if !r.split(ctx, sess, merged) {
		return
	}
	r.upload(ctx, sess)
}

func (r *Runner) merge(ctx context.Context, sess *store.Session, src process.Sources) (string, bool) {
	r.setState(StateProcessing, sess.Slug)
	var merged string
	out := r.stage(ctx, sess, pipeline.StageMerge, func(ctx context.Context) pipeline.Outcome {
		p, err := r.deps.Processor.Merge(ctx, sess, src)
		if err != nil {
			return pipeline.Failed(pipeline.StageMerge, err)
		}
		merged = p
		return pipeline.Succeeded(pipeline.StageMerge, p)
	})
	if !out.OK() {
		r.processFailed(ctx, sess, out)
		return "", false
	}
	return merged, true
}

func (r *Runner) split(ctx context.Context, sess *store.Session, merged string) bool {
	r.setState(StateSplitting, sess.Slug)
	out := r.cut(ctx, sess, merged, r.room.Uploader.Record.Interval())
	if !out.OK() {
		r.processFailed(ctx, sess, out)
		return false
	}
	return true
}

// cut runs the split stage. Success clears the process failure marker and
// drops the raw segments unless the room keeps them.
func (r *Runner) cut(ctx context.Context, sess *store.Session, merged string, interval int) pipeline.Outcome {
	out := r.stage(ctx, sess, pipeline.StageSplit, func(ctx context.Context) pipeline.Outcome {
		files, err := r.deps.Processor.Split(ctx, sess, merged, interval)
		if err != nil {
			return pipeline.Failed(pipeline.StageSplit, err)
		}
		return pipeline.Succeeded(pipeline.StageSplit, files...)
	})
	if !out.OK() {
		return out
	}
	if err := store.Clear(sess.RecordsDir(), store.ProcessFailedMark); err != nil {
		r.logger.Warn("could not clear process failure marker", slog.Any("err", err))
	}
	if !r.room.Recorder.KeepRaw() {
		if err := sess.RemoveRaw(); err != nil {
			r.logger.Warn("could not remove raw segments", slog.String("session", sess.Slug), slog.Any("err", err))
		}
	}
	return out
}

// processFailed marks the records directory so the raw segments survive
// cleanup until someone reprocesses them.
func (r *Runner) processFailed(ctx context.Context, sess *store.Session, out pipeline.Outcome) {
	if out.Kind == pipeline.KindAborted {
		return
	}
	if err := store.Mark(sess.RecordsDir(), store.ProcessFailedMark, reason(out.Err)); err != nil {
		r.logger.Error("could not write process failure marker", slog.String("session", sess.Slug), slog.Any("err", err))
	}
	r.notify(ctx, notify.Event{Kind: notify.MarkerSet, Room: r.room.RoomID, Session: sess.Slug, Stage: string(out.Stage), Detail: reason(out.Err)})
	r.setState(StateError, sess.Slug)
}

func (r *Runner) upload(ctx context.Context, sess *store.Session) {
	rec := r.room.Uploader.Record
	if !rec.UploadRecord {
		// Without an upload the split is terminal; mark it so restarts leave it be.
		if err := store.MarkCompleted(sess.SplitsDir(), nil); err != nil {
			r.logger.Warn("could not mark session completed", slog.String("session", sess.Slug), slog.Any("err", err))
		}
		r.logger.Info("upload disabled for room, splits kept", slog.String("session", sess.Slug))
		r.setState(StateIdle, "")
		return
	}
	r.setState(StateUploading, sess.Slug)
	out := r.stage(ctx, sess, pipeline.StageUpload, func(ctx context.Context) pipeline.Outcome {
		return r.deps.Publisher.Publish(ctx, sess.SplitsDir(), r.request(sess))
	})
	switch {
	case out.Kind == pipeline.KindAborted:
		return
	case !out.OK():
		r.notify(ctx, notify.Event{Kind: notify.MarkerSet, Room: r.room.RoomID, Session: sess.Slug, Stage: string(pipeline.StageUpload), Detail: reason(out.Err)})
		r.setState(StateError, sess.Slug)
		return
	}
	r.dropUploaded(sess.SplitsDir(), sess.Slug)
	r.notify(ctx, notify.Event{Kind: notify.UploadSucceeded, Room: r.room.RoomID, Session: sess.Slug, Stage: string(pipeline.StageUpload), IDs: out.Published})
	r.setState(StateIdle, "")
}

// dropUploaded removes published splits from dir unless the room keeps them.
func (r *Runner) dropUploaded(dir, slug string) {
	if r.room.Uploader.Record.KeepAfterUpload() {
		return
	}
	if err := store.RemoveMedia(dir); err != nil {
		r.logger.Warn("could not remove uploaded splits", slog.String("session", slug), slog.Any("err", err))
	}
}

func (r *Runner) request(sess *store.Session) upload.Request {
	u := r.room.Uploader
	return upload.Request{
		RoomID:  r.room.RoomID,
		Slug:    sess.Slug,
		Start:   sess.Start,
		Account: u.Account,
		Backend: u.Backend,
		Record:  u.Record,
	}
}

// stage runs one pipeline stage with metrics, a span, the ledger and
// failure notifications around it.
func (r *Runner) stage(ctx context.Context, sess *store.Session, stage pipeline.Stage, fn func(context.Context) pipeline.Outcome) pipeline.Outcome {
	logger := r.logger.With(slog.String("session", sess.Slug), slog.String("stage", string(stage)))
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		logger = logger.With(slog.String("corr", corr))
	}
	started := time.Now()
	telemetry.StageStarted(string(stage))
	sctx, span := telemetry.StartStageSpan(ctx, string(stage), r.room.RoomID, sess.Slug)
	out := fn(sctx)
	out.Stage = stage
	telemetry.EndStageSpan(span, out.Kind.String(), out.Err)
	telemetry.StageFinished(string(stage), out.Kind.String(), time.Since(started))

	switch {
	case out.OK():
		logger.Info("stage finished", slog.String("outcome", out.Kind.String()), slog.Duration("took", time.Since(started)))
	case out.Kind == pipeline.KindAborted:
		logger.Warn("stage interrupted", slog.Any("err", out.Err))
	default:
		logger.Error("stage failed", slog.String("outcome", out.Kind.String()), slog.Any("err", out.Err))
		r.setLastError(fmt.Errorf("%s: %w", stage, out.Err))
		r.notify(ctx, notify.Event{Kind: notify.StageFailed, Room: r.room.RoomID, Session: sess.Slug, Stage: string(stage), Detail: reason(out.Err)})
	}
	r.ledger(ctx, sess, out, started)
	return out
}

// fail records a failure outside a pipeline stage and enters ERROR.
func (r *Runner) fail(ctx context.Context, sess *store.Session, out pipeline.Outcome) {
	r.logger.Error("session failed", slog.String("session", sess.Slug), slog.String("stage", string(out.Stage)),
		slog.String("outcome", out.Kind.String()), slog.Any("err", out.Err))
	if out.Err != nil {
		r.setLastError(fmt.Errorf("%s: %w", out.Stage, out.Err))
	}
	r.notify(ctx, notify.Event{Kind: notify.StageFailed, Room: r.room.RoomID, Session: sess.Slug, Stage: string(out.Stage), Detail: reason(out.Err)})
	r.ledger(ctx, sess, out, time.Now())
	r.setState(StateError, sess.Slug)
}

func (r *Runner) ledger(ctx context.Context, sess *store.Session, out pipeline.Outcome, started time.Time) {
	if r.deps.Ledger == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rec := db.StageRecord{
		RoomID:    r.room.RoomID,
		Session:   sess.Slug,
		Stage:     string(out.Stage),
		Outcome:   out.Kind.String(),
		Published: out.Published,
		Started:   started,
		Finished:  time.Now(),
	}
	if out.Err != nil {
		rec.Error = reason(out.Err)
	}
	if err := r.deps.Ledger.Record(lctx, rec); err != nil {
		r.logger.Warn("could not record stage history", slog.Any("err", err))
	}
}

func (r *Runner) notify(ctx context.Context, ev notify.Event) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.deps.Notifier.Notify(nctx, ev); err != nil {
		r.logger.Warn("notification failed", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
	}
}

// reconcile resumes the sessions a previous run left unfinished.
func (r *Runner) reconcile(ctx context.Context) {
	pending, err := store.Scan(r.cfg.DataRoot(), r.room.RoomID)
	if err != nil {
		r.logger.Warn("could not scan for unfinished sessions", slog.Any("err", err))
		return
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		r.logger.Info("resuming unfinished session", slog.String("session", p.Session.Slug), slog.String("from", p.Resume.String()))
		p := p
		r.guard(ctx, func(ctx context.Context) { r.resume(ctx, p) })
	}
}

func (r *Runner) resume(ctx context.Context, p store.Pending) {
	sess := p.Session
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	if !r.claim(sess.Slug) {
		r.logger.Info("session is held by a manual operation, not resuming", slog.String("session", sess.Slug))
		return
	}
	defer r.release(sess.Slug)

	switch p.Resume {
	case store.ResumeProcessing:
		segs, err := sess.RawSegments()
		if err != nil {
			r.fail(ctx, sess, pipeline.Failed(pipeline.StageMerge, err))
			return
		}
		src := process.Sources{Segments: segs}
		if fileExists(sess.DanmuLog()) {
			src.OverlayLog = sess.DanmuLog()
		}
		r.finish(ctx, sess, src)
	case store.ResumeSplitting:
		if r.split(ctx, sess, sess.MergedFile()) {
			r.upload(ctx, sess)
		}
	case store.ResumeUploading:
		// An interrupted split leaves a partial set; re-cut while the merged file exists.
		if fileExists(sess.MergedFile()) && !r.split(ctx, sess, sess.MergedFile()) {
			return
		}
		r.upload(ctx, sess)
	}
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	msg := []rune(strings.ReplaceAll(err.Error(), "\n", " "))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return string(msg)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
