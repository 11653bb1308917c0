// Package youtubeapi publishes split files as YouTube videos through the
// Data API v3. Tokens come from the credential store at every call; a token
// refreshed here is written back so other runners pick it up.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/upload"
)

// refreshSkew refreshes tokens this long before they expire.
const refreshSkew = 2 * time.Minute

// Publisher uploads each part as its own video.
type Publisher struct {
	OAuth  *oauth2.Config
	Tokens credentials.Writer // optional

	// Endpoint and HTTPClient override the Google endpoints, for tests.
	Endpoint   string
	HTTPClient *http.Client

	Logger *slog.Logger
}

var _ upload.Publisher = (*Publisher)(nil)

// New builds a Publisher from the youtube config section.
func New(cfg config.YouTubeConfig, tokens credentials.Writer, logger *slog.Logger) *Publisher {
	scopes := []string{yt.YoutubeUploadScope}
	if cfg.Scopes != "" {
		if fields := strings.Fields(strings.ReplaceAll(cfg.Scopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	return &Publisher{
		OAuth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
		},
		Tokens: tokens,
		Logger: logger,
	}
}

// Refresh exchanges a refresh token for a new access token. Its signature
// matches oauth.RefreshFunc.
func (p *Publisher) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok, err := p.OAuth.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", classify(err)
	}
	scope, _ := tok.Extra("scope").(string)
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
}

// UploadPart uploads part as a video and returns its id.
func (p *Publisher) UploadPart(ctx context.Context, creds credentials.Credentials, meta upload.Meta, part upload.Part) (string, error) {
	svc, err := p.service(ctx, creds)
	if err != nil {
		return "", err
	}
	f, err := os.Open(part.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pipeline.ErrNotFound, err)
	}
	defer f.Close()

	privacy := meta.Privacy
	if privacy == "" {
		privacy = "private"
	}
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       truncate(part.Title, 100),
			Description: truncate(meta.Desc, 5000),
			CategoryId:  meta.CategoryID,
			Tags:        meta.Tags,
		},
		Status: &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", classify(err))
	}
	if res.Id == "" {
		return "", errors.New("youtube upload: empty id")
	}
	return res.Id, nil
}

// Finalize sets the configured cover as thumbnail of every uploaded video.
// Thumbnail failures are logged; the videos are already published.
func (p *Publisher) Finalize(ctx context.Context, creds credentials.Credentials, meta upload.Meta, ids []string) error {
	if meta.Cover == "" || len(ids) == 0 {
		return nil
	}
	if _, err := os.Stat(meta.Cover); err != nil {
		p.logger().Warn("cover not found", slog.String("cover", meta.Cover), slog.Any("err", err))
		return nil
	}
	svc, err := p.service(ctx, creds)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.setThumbnail(ctx, svc, id, meta.Cover); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger().Warn("set thumbnail failed", slog.String("video_id", id), slog.Any("err", err))
		}
	}
	return nil
}

func (p *Publisher) setThumbnail(ctx context.Context, svc *yt.Service, id, cover string) error {
	f, err := os.Open(cover)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = svc.Thumbnails.Set(id).Media(f).Context(ctx).Do()
	return err
}

// service builds an API client for creds, refreshing the access token when
// it is about to expire.
func (p *Publisher) service(ctx context.Context, creds credentials.Credentials) (*yt.Service, error) {
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %s has no youtube token", pipeline.ErrAuth, creds.Account)
	}
	tok := &oauth2.Token{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken, Expiry: creds.Expiry}
	if creds.AccessToken == "" || (!tok.Expiry.IsZero() && time.Until(tok.Expiry) < refreshSkew) {
		if creds.RefreshToken == "" {
			return nil, fmt.Errorf("%w: token of account %s expired and cannot be refreshed", pipeline.ErrAuth, creds.Account)
		}
		access, refresh, expiry, _, err := p.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			return nil, err
		}
		if refresh == "" {
			refresh = creds.RefreshToken
		}
		tok = &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
		if p.Tokens != nil {
			creds.AccessToken, creds.RefreshToken, creds.Expiry = access, refresh, expiry
			if err := p.Tokens.Put(ctx, creds); err != nil {
				p.logger().Warn("could not persist refreshed token", slog.String("account", creds.Account), slog.Any("err", err))
			}
		}
	}
	client := oauth2.NewClient(p.oauthContext(ctx), oauth2.StaticTokenSource(tok))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.Endpoint))
	}
	return yt.NewService(ctx, opts...)
}

func (p *Publisher) oauthContext(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	return ctx
}

// classify wraps API errors the retry loop must not repeat.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
		case gerr.Code == http.StatusForbidden && hasReason(gerr, "quotaExceeded", "uploadLimitExceeded"):
			return fmt.Errorf("%w: %v", pipeline.ErrValidation, err)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
		case gerr.Code == http.StatusBadRequest:
			return fmt.Errorf("%w: %v", pipeline.ErrValidation, err)
		}
		return pipeline.WithStatus(gerr.Code, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return err
		}
		return fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
	}
	return err
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
