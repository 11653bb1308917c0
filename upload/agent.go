// Package upload publishes a session's split files through a backend and
// records the result as markers in the splits directory.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/store"
	"github.com/onnwee/live-tender/telemetry"
)

// Meta describes the record being published.
type Meta struct {
	RoomID     string
	Slug       string
	Start      time.Time
	Title      string
	Desc       string
	CategoryID string
	Tags       []string
	Cover      string
	Privacy    string
}

// Part is one file of a record.
type Part struct {
	Index int // 1-based
	Path  string
	Title string
}

// Publisher is a publishing backend. UploadPart returns the remote id of the
// part. Finalize runs once after every part succeeded.
type Publisher interface {
	UploadPart(ctx context.Context, creds credentials.Credentials, meta Meta, part Part) (string, error)
	Finalize(ctx context.Context, creds credentials.Credentials, meta Meta, ids []string) error
}

// Request names what to publish and where.
type Request struct {
	RoomID   string
	RoomName string
	Slug     string
	Start    time.Time
	Account  string
	Backend  string
	Record   config.RecordUploadConfig
}

// Agent publishes split directories.
type Agent struct {
	Publishers  map[string]Publisher
	Credentials credentials.Store

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
	MinFileBytes   int64

	Logger *slog.Logger
}

// NewAgent builds an Agent from the upload config section.
func NewAgent(cfg config.UploadConfig, creds credentials.Store, publishers map[string]Publisher, logger *slog.Logger) *Agent {
	return &Agent{
		Publishers:     publishers,
		Credentials:    creds,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxElapsed:     cfg.MaxElapsed,
		MinFileBytes:   cfg.MinFileBytes,
		Logger:         logger,
	}
}

// Publish uploads every file of dir. On success the upload failure marker is
// cleared and a completion marker carrying the published ids is written. On
// failure the failure marker is written, synced, and the files stay. A
// cancelled publish leaves no marker so that it resumes on the next start.
func (a *Agent) Publish(ctx context.Context, dir string, req Request) pipeline.Outcome {
	logger := a.logger().With(
		slog.String("component", "upload"),
		slog.String("room_id", req.RoomID),
		slog.String("session", req.Slug),
		slog.String("stage", string(pipeline.StageUpload)),
	)
	ids, files, err := a.publish(ctx, dir, req, logger)
	if err != nil {
		out := pipeline.Failed(pipeline.StageUpload, err)
		if out.Kind == pipeline.KindAborted {
			logger.Warn("upload interrupted", slog.Any("err", err))
			return out
		}
		if merr := store.Mark(dir, store.UploadFailedMark, reason(err)); merr != nil {
			logger.Error("could not write upload failure marker", slog.Any("err", merr))
			out.Err = errors.Join(err, merr)
		}
		logger.Error("upload failed", slog.String("kind", out.Kind.String()), slog.Any("err", err))
		return out
	}
	if err := store.Clear(dir, store.UploadFailedMark); err != nil {
		logger.Warn("could not clear upload failure marker", slog.Any("err", err))
	}
	if err := store.MarkCompleted(dir, ids); err != nil {
		logger.Warn("could not write completion marker", slog.Any("err", err))
	}
	logger.Info("upload succeeded", slog.Int("parts", len(ids)), slog.Any("ids", ids))
	out := pipeline.Succeeded(pipeline.StageUpload, files...)
	out.Published = ids
	return out
}

func (a *Agent) publish(ctx context.Context, dir string, req Request, logger *slog.Logger) ([]string, []string, error) {
	files, err := a.uploadable(dir, logger)
	if err != nil {
		return nil, nil, err
	}
	backend := req.Backend
	if backend == "" {
		backend = "youtube"
	}
	pub, ok := a.Publishers[backend]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no publisher for backend %q", pipeline.ErrValidation, backend)
	}

	name := req.RoomName
	if name == "" {
		name = req.RoomID
	}
	title := Render(req.Record.Title, req.Start, name)
	if strings.TrimSpace(title) == "" {
		title = name + " " + req.Start.Format("2006-01-02 15:04")
	}
	meta := Meta{
		RoomID:     req.RoomID,
		Slug:       req.Slug,
		Start:      req.Start,
		Title:      title,
		Desc:       Render(req.Record.Desc, req.Start, name),
		CategoryID: req.Record.CategoryID,
		Tags:       req.Record.Tags,
		Cover:      req.Record.Cover,
		Privacy:    req.Record.Privacy,
	}

	ids := make([]string, 0, len(files))
	for i, f := range files {
		part := Part{Index: i + 1, Path: f, Title: fmt.Sprintf("%s P%d", meta.Title, i+1)}
		id, err := retry(ctx, a, logger.With(slog.String("file", filepath.Base(f))), func(creds credentials.Credentials) (string, error) {
			return pub.UploadPart(ctx, creds, meta, part)
		}, req.Account)
		if err != nil {
			return nil, nil, fmt.Errorf("upload %s: %w", filepath.Base(f), err)
		}
		logger.Info("part uploaded", slog.Int("part", part.Index), slog.String("id", id))
		telemetry.Inc(telemetry.UploadedFiles)
		ids = append(ids, id)
	}
	_, err = retry(ctx, a, logger, func(creds credentials.Credentials) (struct{}, error) {
		return struct{}{}, pub.Finalize(ctx, creds, meta, ids)
	}, req.Account)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize: %w", err)
	}
	return ids, files, nil
}

// uploadable lists the files of dir large enough to publish.
func (a *Agent) uploadable(dir string, logger *slog.Logger) ([]string, error) {
	all, err := store.ListMedia(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", pipeline.ErrNotFound, dir, err)
	}
	var out []string
	for _, f := range all {
		if size := store.FileSize(f); size < a.MinFileBytes {
			logger.Info("skipping small file", slog.String("file", filepath.Base(f)), slog.Int64("bytes", size))
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: nothing to upload in %s", pipeline.ErrValidation, dir)
	}
	return out, nil
}

// retry runs op with fresh credentials on every attempt. Errors that are not
// retryable stop immediately.
func retry[T any](ctx context.Context, a *Agent, logger *slog.Logger, op func(credentials.Credentials) (T, error), account string) (T, error) {
	b := backoff.NewExponentialBackOff()
	if a.InitialBackoff > 0 {
		b.InitialInterval = a.InitialBackoff
	}
	if a.MaxBackoff > 0 {
		b.MaxInterval = a.MaxBackoff
	}
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		var zero T
		creds, err := a.Credentials.Get(ctx, account)
		if err != nil {
			if errors.Is(err, credentials.ErrUnknownAccount) {
				err = fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
			}
			return zero, backoff.Permanent(err)
		}
		v, err := op(creds)
		if err != nil && ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if err != nil && !pipeline.IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(a.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			telemetry.Inc(telemetry.UploadRetries)
			logger.Warn("upload attempt failed, retrying",
				slog.Int("attempt", attempt), slog.Int("max_attempts", attempts),
				slog.Duration("wait", wait), slog.Any("err", err))
		}),
	)
}

func reason(err error) string {
	s := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (a *Agent) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
