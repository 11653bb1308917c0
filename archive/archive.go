// Package archive publishes split files to an S3-compatible bucket. Every
// part lands under <room>/<slug>/ and a manifest.json describing the record
// is written last.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/upload"
)

// Publisher implements upload.Publisher on top of minio-go.
type Publisher struct {
	Endpoint string
	Bucket   string
	Region   string
	UseSSL   bool
	Logger   *slog.Logger
}

var _ upload.Publisher = (*Publisher)(nil)

// New builds a Publisher from the archive config section.
func New(cfg config.ArchiveConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		Endpoint: cfg.Endpoint,
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		UseSSL:   cfg.UseSSL,
		Logger:   logger,
	}
}

// Manifest is the JSON object written next to the parts.
type Manifest struct {
	RoomID     string    `json:"room_id"`
	Session    string    `json:"session"`
	Title      string    `json:"title"`
	Desc       string    `json:"desc,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Parts      []string  `json:"parts"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Key returns the object key of a file of a record.
func Key(meta upload.Meta, file string) string {
	return path.Join(meta.RoomID, meta.Slug, filepath.Base(file))
}

// UploadPart puts the part under its record prefix and returns the object key.
func (p *Publisher) UploadPart(ctx context.Context, creds credentials.Credentials, meta upload.Meta, part upload.Part) (string, error) {
	client, err := p.client(creds)
	if err != nil {
		return "", err
	}
	if err := p.ensureBucket(ctx, client); err != nil {
		return "", err
	}
	key := Key(meta, part.Path)
	info, err := client.FPutObject(ctx, p.Bucket, key, part.Path, minio.PutObjectOptions{ContentType: "video/mp4"})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, classify(err))
	}
	p.logger().Debug("object stored", slog.String("bucket", p.Bucket), slog.String("key", key), slog.Int64("bytes", info.Size))
	return key, nil
}

// Finalize writes the record manifest.
func (p *Publisher) Finalize(ctx context.Context, creds credentials.Credentials, meta upload.Meta, ids []string) error {
	client, err := p.client(creds)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(Manifest{
		RoomID:     meta.RoomID,
		Session:    meta.Slug,
		Title:      meta.Title,
		Desc:       meta.Desc,
		Tags:       meta.Tags,
		StartedAt:  meta.Start,
		Parts:      ids,
		UploadedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	key := path.Join(meta.RoomID, meta.Slug, "manifest.json")
	_, err = client.PutObject(ctx, p.Bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, classify(err))
	}
	return nil
}

func (p *Publisher) client(creds credentials.Credentials) (*minio.Client, error) {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: account %s has no access key", pipeline.ErrAuth, creds.Account)
	}
	if p.Endpoint == "" || p.Bucket == "" {
		return nil, fmt.Errorf("%w: archive endpoint and bucket are required", pipeline.ErrValidation)
	}
	c, err := minio.New(p.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: p.UseSSL,
		Region: p.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio client: %v", pipeline.ErrValidation, err)
	}
	return c, nil
}

func (p *Publisher) ensureBucket(ctx context.Context, c *minio.Client) error {
	exists, err := c.BucketExists(ctx, p.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.Bucket, classify(err))
	}
	if exists {
		return nil
	}
	if err := c.MakeBucket(ctx, p.Bucket, minio.MakeBucketOptions{Region: p.Region}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", p.Bucket, classify(err))
	}
	p.logger().Info("created archive bucket", slog.String("bucket", p.Bucket))
	return nil
}

// classify maps S3 error codes onto the pipeline sentinels.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
	case "NoSuchBucket", "InvalidBucketName", "EntityTooLarge", "InvalidArgument":
		return fmt.Errorf("%w: %v", pipeline.ErrValidation, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
	}
	return pipeline.WithStatus(resp.StatusCode, err)
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
