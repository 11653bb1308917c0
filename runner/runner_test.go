package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/notify"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/process"
	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/upload"
)

type fakeLive struct {
	live  atomic.Bool
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeLive) IsLive(context.Context, string) (bool, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return false, errors.New("helix unavailable")
	}
	return f.live.Load(), nil
}

// fakeProc runs until interrupted.
type fakeProc struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProc) Wait() error      { <-p.done; return nil }
func (p *fakeProc) Interrupt() error { p.once.Do(func() { close(p.done) }); return nil }
func (p *fakeProc) Kill() error      { return p.Interrupt() }

type fakeEngine struct {
	mu    sync.Mutex
	outs  []string
	bytes int
}

func (e *fakeEngine) Start(_ context.Context, _ string, out string) (capture.Process, error) {
	if err := os.WriteFile(out, make([]byte, e.bytes), 0o644); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.outs = append(e.outs, out)
	e.mu.Unlock()
	return &fakeProc{done: make(chan struct{})}, nil
}

func (e *fakeEngine) Outs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.outs...)
}

type fakeProcessor struct {
	mu        sync.Mutex
	mergeErr  error
	splitErr  error
	parts     int
	merges    []process.Sources
	splits    []string // merged paths
	intervals []int
}

func (p *fakeProcessor) Merge(_ context.Context, sess *store.Session, src process.Sources) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.merges = append(p.merges, src)
	if p.mergeErr != nil {
		return "", p.mergeErr
	}
	if err := os.MkdirAll(sess.MergedDir(), 0o755); err != nil {
		return "", err
	}
	return sess.MergedFile(), os.WriteFile(sess.MergedFile(), []byte("merged"), 0o644)
}

func (p *fakeProcessor) Split(_ context.Context, sess *store.Session, merged string, interval int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.splits = append(p.splits, merged)
	p.intervals = append(p.intervals, interval)
	if p.splitErr != nil {
		return nil, p.splitErr
	}
	if err := os.MkdirAll(sess.SplitsDir(), 0o755); err != nil {
		return nil, err
	}
	var out []string
	for i := 0; i < p.parts; i++ {
		if err := os.WriteFile(sess.SplitPath(i), []byte("part"), 0o644); err != nil {
			return nil, err
		}
		out = append(out, sess.SplitPath(i))
	}
	return out, nil
}

func (p *fakeProcessor) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.merges), len(p.splits)
}

type fakePublisher struct {
	mu    sync.Mutex
	err   error
	dirs  []string
	reqs  []upload.Request
	calls atomic.Int32
}

func (f *fakePublisher) Publish(_ context.Context, dir string, req upload.Request) pipeline.Outcome {
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	defer f.calls.Add(1)
	// Markers follow the upload agent's contract.
	if f.err != nil {
		_ = store.Mark(dir, store.UploadFailedMark, f.err.Error())
		return pipeline.Failed(pipeline.StageUpload, f.err)
	}
	_ = store.Clear(dir, store.UploadFailedMark)
	_ = store.MarkCompleted(dir, []string{"vid1"})
	out := pipeline.Succeeded(pipeline.StageUpload)
	out.Published = []string{"vid1"}
	return out
}

type recNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recNotifier) has(kind notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

type memLedger struct {
	mu   sync.Mutex
	recs []db.StageRecord
}

func (l *memLedger) Record(_ context.Context, rec db.StageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

type fixture struct {
	cfg       *config.Config
	live      *fakeLive
	engine    *fakeEngine
	processor *fakeProcessor
	publisher *fakePublisher
	notifier  *recNotifier
	ledger    *memLedger
}

func boolPtr(b bool) *bool { return &b }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
root:
  data_path: %q
  accounts:
    main:
      provider: youtube
      access_token: tok
rooms:
  - room_id: chan
    recorder:
      keep_raw_record: false
    uploader:
      account: main
      record:
        upload_record: true
        keep_record_after_upload: false
        split_interval: 3600
`, t.TempDir())))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Root.Capture.RestartDelay = time.Millisecond
	cfg.Root.Capture.StopGrace = 100 * time.Millisecond
	return &fixture{
		cfg:       cfg,
		live:      &fakeLive{},
		engine:    &fakeEngine{bytes: 64},
		processor: &fakeProcessor{parts: 2},
		publisher: &fakePublisher{},
		notifier:  &recNotifier{},
		ledger:    &memLedger{},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Live:      f.live,
		Capture:   f.engine,
		Processor: f.processor,
		Publisher: f.publisher,
		Ledger:    f.ledger,
		Notifier:  f.notifier,
	}
}

func (f *fixture) runner() *Runner {
	r := New(f.cfg, f.cfg.Rooms[0], f.deps(), nil)
	r.PollInterval = 10 * time.Millisecond
	return r
}

// run starts r and stops it once cond holds.
func run(t *testing.T, r *Runner, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
	}()
	waitFor(t, cond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// goOfflineAfterStart flips the room offline once the capture has started.
func (f *fixture) goOfflineAfterStart() {
	f.live.live.Store(true)
	go func() {
		for len(f.engine.Outs()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.live.live.Store(false)
	}()
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	r := f.runner()
	f.goOfflineAfterStart()

	run(t, r, func() bool { return f.publisher.calls.Load() == 1 && r.Status().State == StateIdle })

	merges, splits := f.processor.counts()
	if merges != 1 || splits != 1 {
		t.Fatalf("merges=%d splits=%d", merges, splits)
	}
	if got := len(f.processor.merges[0].Segments); got != 1 {
		t.Errorf("merged %d segments, want 1", got)
	}
	if f.processor.intervals[0] != 3600 {
		t.Errorf("interval = %d", f.processor.intervals[0])
	}

	req := f.publisher.reqs[0]
	if req.RoomID != "chan" || req.Account != "main" || req.Backend != "youtube" {
		t.Errorf("request = %+v", req)
	}
	sess, err := store.FromSlug(f.cfg.DataRoot(), req.Slug)
	if err != nil {
		t.Fatal(err)
	}
	if f.publisher.dirs[0] != sess.SplitsDir() {
		t.Errorf("published %s, want %s", f.publisher.dirs[0], sess.SplitsDir())
	}
	if raw, _ := sess.RawSegments(); len(raw) != 0 {
		t.Errorf("raw segments kept: %v", raw)
	}
	if parts, _ := sess.SplitFiles(); len(parts) != 0 {
		t.Errorf("splits kept after upload: %v", parts)
	}
	if !f.notifier.has(notify.UploadSucceeded) || f.notifier.has(notify.StageFailed) {
		t.Errorf("events = %+v", f.notifier.events)
	}

	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	var stages []string
	for _, rec := range f.ledger.recs {
		stages = append(stages, rec.Stage+"="+rec.Outcome)
	}
	if got := strings.Join(stages, ","); got != "merge=success,split=success,upload=success" {
		t.Errorf("ledger = %s", got)
	}
}

func TestSessionKeepsArtifactsWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.cfg.Rooms[0].Recorder.KeepRawRecord = boolPtr(true)
	f.cfg.Rooms[0].Uploader.Record.KeepRecordAfterUpload = boolPtr(true)
	r := f.runner()
	f.goOfflineAfterStart()

	run(t, r, func() bool { return f.publisher.calls.Load() == 1 && r.Status().State == StateIdle })

	sess, _ := store.FromSlug(f.cfg.DataRoot(), f.publisher.reqs[0].Slug)
	if raw, _ := sess.RawSegments(); len(raw) != 1 {
		t.Errorf("raw = %v, want 1 kept", raw)
	}
	if parts, _ := sess.SplitFiles(); len(parts) != 2 {
		t.Errorf("splits = %v, want 2 kept", parts)
	}
}

func TestZeroSegmentSessionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.engine.bytes = 0
	r := f.runner()
	f.goOfflineAfterStart()

	var recordsDir string
	run(t, r, func() bool {
		outs := f.engine.Outs()
		if len(outs) == 0 || len(r.Owned()) != 0 {
			return false
		}
		recordsDir = filepath.Dir(outs[0])
		_, err := os.Stat(recordsDir)
		return os.IsNotExist(err)
	})

	if merges, _ := f.processor.counts(); merges != 0 {
		t.Errorf("processor ran %d times on an empty session", merges)
	}
	if f.publisher.calls.Load() != 0 {
		t.Error("publisher ran on an empty session")
	}
	slug := filepath.Base(recordsDir)
	for _, sub := range []string{"splits", "danmu", "outputs"} {
		if _, err := os.Stat(filepath.Join(f.cfg.DataRoot(), sub, slug)); !os.IsNotExist(err) {
			t.Errorf("%s/%s survived", sub, slug)
		}
	}
}

func TestProcessFailureMarksRecords(t *testing.T) {
	f := newFixture(t)
	f.processor.mergeErr = fmt.Errorf("%w: every segment failed to remux", pipeline.ErrCorruptInput)
	r := f.runner()
	f.goOfflineAfterStart()

	run(t, r, func() bool { return f.notifier.has(notify.MarkerSet) })

	outs := f.engine.Outs()
	recordsDir := filepath.Dir(outs[0])
	if !store.HasMark(recordsDir, store.ProcessFailedMark) {
		t.Error("process failure marker missing")
	}
	if _, err := os.Stat(outs[0]); err != nil {
		t.Errorf("raw segment removed after failed merge: %v", err)
	}
	if f.publisher.calls.Load() != 0 {
		t.Error("publisher ran after a failed merge")
	}
	if !f.notifier.has(notify.StageFailed) {
		t.Error("stage failure not notified")
	}
	if st := r.Status(); !strings.Contains(st.LastError, "merge") {
		t.Errorf("last error = %q", st.LastError)
	}
}

func TestUploadFailureKeepsSplits(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = fmt.Errorf("%w: quota exceeded", pipeline.ErrValidation)
	r := f.runner()
	f.goOfflineAfterStart()

	run(t, r, func() bool { return f.notifier.has(notify.MarkerSet) })

	sess, _ := store.FromSlug(f.cfg.DataRoot(), f.publisher.reqs[0].Slug)
	if parts, _ := sess.SplitFiles(); len(parts) != 2 {
		t.Errorf("splits = %v, want both kept", parts)
	}
	if raw, _ := sess.RawSegments(); len(raw) != 0 {
		t.Errorf("raw = %v, want removed after split", raw)
	}
	if f.notifier.has(notify.UploadSucceeded) {
		t.Error("success notified for a failed upload")
	}
}

func TestUploadDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Rooms[0].Uploader.Record.UploadRecord = false
	r := f.runner()
	f.goOfflineAfterStart()

	run(t, r, func() bool {
		_, splits := f.processor.counts()
		return splits == 1 && len(r.Owned()) == 0
	})
	if f.publisher.calls.Load() != 0 {
		t.Error("publisher ran with upload disabled")
	}

	sess, err := store.FromSlug(f.cfg.DataRoot(), filepath.Base(filepath.Dir(f.engine.Outs()[0])))
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Completed() {
		t.Fatal("finished session not marked completed")
	}
	// Restarts must leave a finished session alone.
	for i := 0; i < 3; i++ {
		r.reconcile(context.Background())
	}
	if _, splits := f.processor.counts(); splits != 1 {
		t.Errorf("splits = %d after restarts, want 1", splits)
	}
	if parts, _ := sess.SplitFiles(); len(parts) != 2 {
		t.Errorf("splits = %v, want both kept", parts)
	}
}

func TestReconcileResumesUnfinishedSessions(t *testing.T) {
	f := newFixture(t)
	root := f.cfg.DataRoot()
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.Local)
	mk := func(offset time.Duration) *store.Session {
		s := store.NewSession(root, "chan", start.Add(offset))
		if err := s.EnsureDirs(); err != nil {
			t.Fatal(err)
		}
		return s
	}
	write := func(p string) {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	recorded := mk(0)
	write(recorded.SegmentPath(recorded.Start))
	write(recorded.DanmuLog())

	merged := mk(time.Hour)
	write(merged.MergedFile())

	split := mk(2 * time.Hour)
	write(split.SplitPath(0))

	failed := mk(3 * time.Hour)
	write(failed.SegmentPath(failed.Start))
	if err := store.Mark(failed.RecordsDir(), store.ProcessFailedMark, "bad input"); err != nil {
		t.Fatal(err)
	}

	r := f.runner()
	run(t, r, func() bool { return f.publisher.calls.Load() == 3 })

	merges, splits := f.processor.counts()
	if merges != 1 || splits != 2 {
		t.Errorf("merges=%d splits=%d, want 1 and 2", merges, splits)
	}
	if f.processor.merges[0].OverlayLog != recorded.DanmuLog() {
		t.Errorf("overlay log not resumed: %+v", f.processor.merges[0])
	}
	var slugs []string
	for _, req := range f.publisher.reqs {
		slugs = append(slugs, req.Slug)
	}
	want := strings.Join([]string{recorded.Slug, merged.Slug, split.Slug}, ",")
	if got := strings.Join(slugs, ","); got != want {
		t.Errorf("published %s, want %s", got, want)
	}
}

func TestResumeUploadingResplitsWhenMergedExists(t *testing.T) {
	f := newFixture(t)
	sess := store.NewSession(f.cfg.DataRoot(), "chan", time.Date(2024, 3, 1, 20, 0, 0, 0, time.Local))
	if err := sess.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{sess.MergedFile(), sess.SplitPath(0)} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := f.runner()
	r.resume(context.Background(), store.Pending{Session: sess, Resume: store.ResumeUploading})

	if _, splits := f.processor.counts(); splits != 1 {
		t.Errorf("splits = %d, want a re-split", splits)
	}
	if f.publisher.calls.Load() != 1 {
		t.Error("upload not resumed")
	}
}

func TestLivenessErrorKeepsPreviousState(t *testing.T) {
	f := newFixture(t)
	r := f.runner()
	f.live.live.Store(true)
	if !r.pollLive(context.Background()) {
		t.Fatal("expected live")
	}
	f.live.fail.Store(true)
	if !r.pollLive(context.Background()) {
		t.Error("a failed check must keep the room live")
	}
	f.live.fail.Store(false)
	f.live.live.Store(false)
	if r.pollLive(context.Background()) || r.Status().Live {
		t.Error("expected offline")
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	f := newFixture(t)
	r := f.runner()
	r.PollInterval = time.Millisecond
	r.guard(context.Background(), func(context.Context) { panic("boom") })
	st := r.Status()
	if st.State != StateError || !strings.Contains(st.LastError, "boom") {
		t.Errorf("status = %+v", st)
	}
}

func TestStateJSONName(t *testing.T) {
	b, err := StateLiveDetected.MarshalText()
	if err != nil || string(b) != "LIVE_DETECTED" {
		t.Errorf("MarshalText = %s, %v", b, err)
	}
}
