package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-tender/credentials"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]credentials.Credentials
	puts  int
}

func (m *memStore) Get(_ context.Context, account string) (credentials.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[account]
	if !ok {
		return credentials.Credentials{}, credentials.ErrUnknownAccount
	}
	return c, nil
}

func (m *memStore) Put(_ context.Context, c credentials.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.Account] = c
	m.puts++
	return nil
}

func (m *memStore) get(account string) credentials.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[account]
}

func list(accounts ...string) AccountLister {
	return func(context.Context) ([]string, error) { return accounts, nil }
}

func TestRefreshDueSkipsTokensOutsideWindow(t *testing.T) {
	store := &memStore{creds: map[string]credentials.Credentials{
		"main": {Account: "main", AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)},
	}}
	called := false
	r := &Refresher{Store: store, Accounts: list("main"), Window: 30 * time.Minute,
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			called = true
			return "", "", time.Time{}, "", nil
		}}
	n, err := r.RefreshDue(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RefreshDue = %d, %v", n, err)
	}
	if called {
		t.Error("refresh should not be called for a token expiring outside the window")
	}
}

func TestRefreshDueWithinWindow(t *testing.T) {
	store := &memStore{creds: map[string]credentials.Credentials{
		"main": {Account: "main", Provider: "youtube", AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(5 * time.Minute)},
	}}
	newExpiry := time.Now().Add(2 * time.Hour)
	r := &Refresher{Store: store, Accounts: list("main"), Window: 15 * time.Minute,
		Refresh: func(_ context.Context, rt string) (string, string, time.Time, string, error) {
			if rt != "old-refresh" {
				t.Errorf("refresh called with %q", rt)
			}
			return "new-access", "", newExpiry, "scope", nil
		}}
	n, err := r.RefreshDue(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RefreshDue = %d, %v", n, err)
	}
	got := store.get("main")
	if got.AccessToken != "new-access" || got.RefreshToken != "old-refresh" || got.Provider != "youtube" {
		t.Errorf("stored = %+v", got)
	}
	if !got.Expiry.Equal(newExpiry) {
		t.Errorf("expiry = %v, want %v", got.Expiry, newExpiry)
	}
}

func TestRefreshDueContinuesAfterFailure(t *testing.T) {
	soon := time.Now().Add(time.Minute)
	store := &memStore{creds: map[string]credentials.Credentials{
		"bad":     {Account: "bad", RefreshToken: "bad", Expiry: soon},
		"good":    {Account: "good", RefreshToken: "good", Expiry: soon},
		"noregen": {Account: "noregen", AccessToken: "static"},
	}}
	r := &Refresher{Store: store, Accounts: list("bad", "good", "noregen", "ghost"),
		Refresh: func(_ context.Context, rt string) (string, string, time.Time, string, error) {
			if rt == "bad" {
				return "", "", time.Time{}, "", errors.New("invalid_grant")
			}
			return "fresh", "", time.Now().Add(time.Hour), "", nil
		}}
	n, err := r.RefreshDue(context.Background())
	if n != 1 {
		t.Errorf("refreshed = %d, want 1", n)
	}
	if err == nil {
		t.Error("the failed account should be reported")
	}
	if store.get("good").AccessToken != "fresh" {
		t.Error("good account not refreshed")
	}
	if store.get("noregen").AccessToken != "static" {
		t.Error("account without refresh token must be left alone")
	}
}

func TestStartRefresherRunsAndStops(t *testing.T) {
	store := &memStore{creds: map[string]credentials.Credentials{
		"main": {Account: "main", RefreshToken: "r", Expiry: time.Now().Add(time.Minute)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{Store: store, Accounts: list("main"),
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			return "fresh", "", time.Now().Add(time.Hour), "", nil
		}}
	StartRefresher(ctx, r, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for store.get("main").AccessToken != "fresh" {
		if time.Now().After(deadline) {
			t.Fatal("refresher did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
