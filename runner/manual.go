package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/process"
	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/telemetry"
)

var (
	// ErrUsage reports bad arguments to a manual operation.
	ErrUsage = errors.New("usage")
	// ErrUnknownRoom reports a room id missing from the config.
	ErrUnknownRoom = errors.New("room is not configured")
	// ErrNotLive reports a manual recording of an offline room.
	ErrNotLive = errors.New("room is not live")
	// ErrSessionBusy reports a session another stage is working on.
	ErrSessionBusy = errors.New("session is busy")
)

// SessionClaimer hands out exclusive use of a session. The supervisor
// implements it inside the daemon.
type SessionClaimer interface {
	Claim(slug string) bool
	Release(slug string)
}

// Ops runs single pipeline stages on demand, outside the room loop.
type Ops struct {
	Cfg    *config.Config
	Deps   Deps
	Logger *slog.Logger
	// Claims, when set, keeps manual stages off sessions a runner owns.
	Claims SessionClaimer
}

// hold claims slug for the duration of a manual stage.
func (o *Ops) hold(slug string) (func(), error) {
	if o.Claims == nil {
		return func() {}, nil
	}
	if !o.Claims.Claim(slug) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, slug)
	}
	return func() { o.Claims.Release(slug) }, nil
}

// runner returns a runner for roomID. Unconfigured rooms get defaults.
func (o *Ops) runner(roomID string) *Runner {
	room, ok := o.Cfg.Room(roomID)
	if !ok {
		room = config.RoomConfig{RoomID: roomID}
		room.Uploader.Account = "default"
		room.Uploader.Backend = "youtube"
	}
	return New(o.Cfg, room, o.Deps, o.Logger)
}

// Record captures roomID once, for at most d (zero = until offline), and
// leaves the raw segments in place.
func (o *Ops) Record(ctx context.Context, roomID string, d time.Duration) ([]string, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: --room-id is required", ErrUsage)
	}
	if d < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrUsage)
	}
	live, err := o.Deps.Live.IsLive(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("liveness check: %w", err)
	}
	if !live {
		return nil, fmt.Errorf("%w: %s", ErrNotLive, roomID)
	}

	r := o.runner(roomID)
	r.setLive(true)
	sess := store.NewSession(o.Cfg.DataRoot(), roomID, time.Now())
	if err := sess.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	res, overlayLog := r.record(ctx, sess, d)
	if len(res.Segments) == 0 {
		_ = sess.Discard()
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, pipeline.ErrNoSegments
	}
	r.logger.Info("manual recording saved",
		slog.String("session", sess.Slug),
		slog.Int("segments", len(res.Segments)),
		slog.String("overlay_log", overlayLog))
	return res.Segments, nil
}

// Process merges the raw segments at source (a file or a directory) into
// one file, burning subtitle in when given. Raw files are kept.
func (o *Ops) Process(ctx context.Context, source, subtitle, roomID string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("%w: --source is required", ErrUsage)
	}
	var src process.Sources
	switch ext := strings.ToLower(filepath.Ext(subtitle)); {
	case subtitle == "":
	case ext == ".jsonl":
		src.OverlayLog = subtitle
	case ext == ".ass":
		src.Subtitle = subtitle
	default:
		return "", fmt.Errorf("%w: subtitle %s must be .jsonl or .ass", ErrUsage, subtitle)
	}
	files, err := rawFiles(source)
	if err != nil {
		return "", err
	}
	room, start := identify(source, roomID, files)
	sess := store.NewSession(o.Cfg.DataRoot(), room, start)
	release, err := o.hold(sess.Slug)
	if err != nil {
		return "", err
	}
	defer release()
	if err := sess.EnsureDirs(); err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
	}
	segs, err := place(files, sess.RecordsDir())
	if err != nil {
		return "", err
	}
	src.Segments = segs

	r := o.runner(room)
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
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
		return "", out.Err
	}
	return merged, nil
}

// Split cuts the merged file at target, or the newest merged file in target
// when it is a directory. interval overrides the room's split interval.
func (o *Ops) Split(ctx context.Context, target string, interval *int, roomID string) ([]string, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: --target is required", ErrUsage)
	}
	merged, err := latestMerged(target)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(merged), filepath.Ext(merged))
	name = strings.TrimSuffix(name, "_merged")
	room, start := identify(merged, roomID, []string{merged})
	sess := &store.Session{Root: o.Cfg.DataRoot(), RoomID: room, Start: start, Slug: name}
	if s, err := store.FromSlug(o.Cfg.DataRoot(), name); err == nil && (roomID == "" || roomID == s.RoomID) {
		sess = s
	}

	release, err := o.hold(sess.Slug)
	if err != nil {
		return nil, err
	}
	defer release()

	r := o.runner(sess.RoomID)
	secs := r.room.Uploader.Record.Interval()
	if interval != nil {
		secs = *interval
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	out := r.cut(ctx, sess, merged, secs)
	if !out.OK() {
		return nil, out.Err
	}
	return out.Paths, nil
}

// Upload publishes the split directory at path (or the directory holding
// path). A previous failure marker is cleared on success.
func (o *Ops) Upload(ctx context.Context, path, roomID string) ([]string, error) {
	run, err := o.BeginUpload(path, roomID)
	if err != nil {
		return nil, err
	}
	return run(ctx)
}

// BeginUpload validates an upload and claims its session. The returned
// function publishes and releases the claim; it must be called exactly once.
func (o *Ops) BeginUpload(path, roomID string) (func(context.Context) ([]string, error), error) {
	if path == "" {
		return nil, fmt.Errorf("%w: --path is required", ErrUsage)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrNotFound, err)
	}
	dir := path
	if !fi.IsDir() {
		dir = filepath.Dir(path)
	}
	files, _ := store.ListMedia(dir)
	room, start := identify(dir, roomID, files)
	if _, ok := o.Cfg.Room(room); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	sess := &store.Session{Root: o.Cfg.DataRoot(), RoomID: room, Start: start, Slug: filepath.Base(dir)}
	release, err := o.hold(sess.Slug)
	if err != nil {
		return nil, err
	}

	r := o.runner(room)
	return func(ctx context.Context) ([]string, error) {
		defer release()
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
		out := r.stage(ctx, sess, pipeline.StageUpload, func(ctx context.Context) pipeline.Outcome {
			return r.deps.Publisher.Publish(ctx, dir, r.request(sess))
		})
		if !out.OK() {
			return nil, out.Err
		}
		r.dropUploaded(dir, sess.Slug)
		return out.Published, nil
	}, nil
}

// rawFiles lists the .flv and .ts files at source.
func rawFiles(source string) ([]string, error) {
	fi, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrNotFound, err)
	}
	isRaw := func(name string) bool {
		ext := strings.ToLower(filepath.Ext(name))
		return ext == ".flv" || ext == ".ts"
	}
	if !fi.IsDir() {
		if !isRaw(source) {
			return nil, fmt.Errorf("%w: %s is not a .flv or .ts file", ErrUsage, source)
		}
		return []string{source}, nil
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isRaw(e.Name()) {
			out = append(out, filepath.Join(source, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no .flv or .ts files in %s", pipeline.ErrNoSegments, source)
	}
	sort.Strings(out)
	return out, nil
}

// identify names the room and start time of manual input: the room flag
// wins, then a slug in the name, then the parent directory. The start
// time comes from the slug or the oldest file.
func identify(path, roomID string, files []string) (string, time.Time) {
	base := filepath.Base(path)
	room, start, ok := store.ParseSlug(base)
	if !ok {
		room, start, ok = store.ParseSlug(filepath.Base(filepath.Dir(path)))
	}
	if !ok {
		room = filepath.Base(filepath.Dir(path))
		if room == "." || room == string(filepath.Separator) {
			room = "manual"
		}
		start = oldest(files)
	}
	if roomID != "" {
		room = roomID
	}
	return room, start
}

func oldest(files []string) time.Time {
	var t time.Time
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if t.IsZero() || fi.ModTime().Before(t) {
			t = fi.ModTime()
		}
	}
	if t.IsZero() {
		t = time.Now()
	}
	return t
}

// latestMerged resolves target to a merged file.
func latestMerged(target string) (string, error) {
	fi, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrNotFound, err)
	}
	if !fi.IsDir() {
		return target, nil
	}
	matches, err := filepath.Glob(filepath.Join(target, "*_merged.mp4"))
	if err != nil {
		return "", err
	}
	var best string
	var bestTime time.Time
	for _, m := range matches {
		mfi, err := os.Stat(m)
		if err != nil {
			continue
		}
		if best == "" || mfi.ModTime().After(bestTime) {
			best, bestTime = m, mfi.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no *_merged.mp4 in %s", pipeline.ErrNotFound, target)
	}
	return best, nil
}

// place puts files in dir, hard-linking when possible.
func place(files []string, dir string) ([]string, error) {
	out := make([]string, 0, len(files))
	for _, f := range files {
		dst := filepath.Join(dir, filepath.Base(f))
		if same(f, dst) {
			out = append(out, dst)
			continue
		}
		if err := os.Link(f, dst); err != nil && !os.IsExist(err) {
			if err := copyFile(f, dst); err != nil {
				return nil, fmt.Errorf("stage %s: %w", f, err)
			}
		}
		out = append(out, dst)
	}
	return out, nil
}

func same(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
