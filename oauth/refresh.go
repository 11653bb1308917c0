// Package oauth schedules token refreshes for publishing accounts whose
// tokens live in the credential store. It performs jittered checks and
// refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/live-tender/credentials"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore reads and writes account credentials.
type TokenStore interface {
	credentials.Store
	credentials.Writer
}

// AccountLister returns the accounts the refresher should look after.
type AccountLister func(ctx context.Context) ([]string, error)

// Refresher refreshes every listed account whose token expires within Window.
type Refresher struct {
	Store    TokenStore
	Accounts AccountLister
	Refresh  RefreshFunc
	Window   time.Duration
	Logger   *slog.Logger
}

// StartRefresher launches a goroutine that periodically runs r.RefreshDue.
// interval: how often to wake up and check.
func StartRefresher(ctx context.Context, r *Refresher, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if _, err := r.RefreshDue(ctx); err != nil && ctx.Err() == nil {
				r.logger().Warn("token refresh pass failed", slog.Any("err", err))
			}
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// RefreshDue runs one pass over the accounts and returns how many tokens
// were refreshed. A failing account does not stop the pass.
func (r *Refresher) RefreshDue(ctx context.Context) (int, error) {
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	accounts, err := r.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	var errs []error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		ok, err := r.refreshOne(ctx, account, window)
		if err != nil {
			r.logger().Warn("token refresh failed", slog.String("account", account), slog.Any("err", err))
			errs = append(errs, err)
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, errors.Join(errs...)
}

func (r *Refresher) refreshOne(ctx context.Context, account string, window time.Duration) (bool, error) {
	cur, err := r.Store.Get(ctx, account)
	if errors.Is(err, credentials.ErrUnknownAccount) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.RefreshToken == "" {
		return false, nil
	}
	// If still outside window skip quickly
	if !cur.Expiry.IsZero() && time.Until(cur.Expiry) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, _, err := r.Refresh(ctx2, cur.RefreshToken)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = cur.RefreshToken
	}
	cur.AccessToken, cur.RefreshToken, cur.Expiry = strings.TrimSpace(newAT), newRT, newExp
	if err := r.Store.Put(ctx, cur); err != nil {
		return false, err
	}
	r.logger().Info("token refreshed", slog.String("account", account), slog.Time("expires_at", newExp))
	return true, nil
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger.With(slog.String("component", "oauth_refresher"))
}
