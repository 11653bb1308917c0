// Package twitchapi talks to the Twitch Helix API with an app access token.
// The recorder only needs one question answered: is a channel live right now.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-tender/pipeline"
)

const (
	helixBase       = "https://api.twitch.tv/helix"
	helixMaxRetries = 3
)

// HelixClient issues authenticated Helix GETs. 401 responses invalidate the
// app token and retry, 429 honours Retry-After, 5xx backs off.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// RetryInterval is the first backoff step for 5xx responses.
	RetryInterval time.Duration
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is the subset of a Helix stream object the recorder uses.
type Stream struct {
	ID        string    `json:"id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Title     string    `json:"title"`
	GameName  string    `json:"game_name"`
	StartedAt time.Time `json:"started_at"`
}

// GetStreams returns the live streams of the given logins. Offline channels
// are simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("no logins given")
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("helix: %d %s: %s", e.code, http.StatusText(e.code), e.body)
}

func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	if hc.RetryInterval > 0 {
		b.InitialInterval = hc.RetryInterval
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, hc.once(ctx, path, q, out)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(helixMaxRetries+1), backoff.WithMaxElapsedTime(0))
	return err
}

func (hc *HelixClient) once(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		if pipeline.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path+"?"+q.Encode(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusUnauthorized:
		hc.AppTokenSource.Invalidate(tok)
		return readStatus(resp)
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if secs <= 0 {
			if reset, err := strconv.ParseInt(resp.Header.Get("Ratelimit-Reset"), 10, 64); err == nil {
				secs = int(time.Until(time.Unix(reset, 0)).Seconds())
			}
		}
		if secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return readStatus(resp)
	case resp.StatusCode >= 500:
		return readStatus(resp)
	default:
		return backoff.Permanent(readStatus(resp))
	}
}

func readStatus(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(b)}
}
