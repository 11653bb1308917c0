package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-tender/pipeline"
)

const (
	tokenURL = "https://id.twitch.tv/oauth2/token"
	// tokenMargin is how long before expiry a cached token is replaced.
	tokenMargin = time.Minute
)

// TokenSource fetches and caches a Twitch app access (client credentials)
// token for Helix reads. Chat uses the bot credentials or an anonymous login.
//
// Rejected client credentials surface as pipeline.ErrAuth; a failing token
// endpoint carries its HTTP status and stays retryable.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// Endpoint overrides the token URL.
	Endpoint string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Get returns the cached token, fetching a new one when none is cached or the
// cached one expires within a minute. Concurrent callers share one fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.fresh() {
		return ts.token, nil
	}
	tok, exp, err := ts.fetch(ctx)
	if err != nil {
		return "", err
	}
	ts.token, ts.expiresAt = tok, exp
	return tok, nil
}

// SetToken primes the cache, for a token obtained elsewhere.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token, ts.expiresAt = token, expiresAt
	ts.mu.Unlock()
}

// Invalidate drops a token Helix rejected so the next Get fetches a new one.
// A cached token other than rejected has already replaced it and is kept.
func (ts *TokenSource) Invalidate(rejected string) {
	ts.mu.Lock()
	if ts.token == rejected {
		ts.token, ts.expiresAt = "", time.Time{}
	}
	ts.mu.Unlock()
}

func (ts *TokenSource) fresh() bool {
	return ts.token != "" && time.Until(ts.expiresAt) > tokenMargin
}

func (ts *TokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", time.Time{}, fmt.Errorf("%w: twitch client id and secret are required for liveness checks", pipeline.ErrAuth)
	}
	form := url.Values{
		"client_id":     {ts.ClientID},
		"client_secret": {ts.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	endpoint := ts.Endpoint
	if endpoint == "" {
		endpoint = tokenURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("twitch token request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("twitch token request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", time.Time{}, fmt.Errorf("%w: %v", pipeline.ErrAuth, err)
		}
		return "", time.Time{}, pipeline.WithStatus(resp.StatusCode, err)
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", time.Time{}, fmt.Errorf("decode twitch token: %w", err)
	}
	if at.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access_token in twitch response", pipeline.ErrAuth)
	}
	return at.AccessToken, time.Now().Add(time.Duration(at.ExpiresIn) * time.Second), nil
}
