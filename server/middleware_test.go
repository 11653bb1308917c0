package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{name: "no auth configured - allows request", expectedStatus: http.StatusOK},
		{name: "valid basic auth", username: "admin", password: "secret123", reqUsername: "admin", reqPassword: "secret123", expectedStatus: http.StatusOK},
		{name: "invalid basic auth username", username: "admin", password: "secret123", reqUsername: "wrong", reqPassword: "secret123", expectedStatus: http.StatusUnauthorized},
		{name: "invalid basic auth password", username: "admin", password: "secret123", reqUsername: "admin", reqPassword: "wrong", expectedStatus: http.StatusUnauthorized},
		{name: "valid token auth", token: "test-token-12345", reqToken: "test-token-12345", expectedStatus: http.StatusOK},
		{name: "invalid token auth", token: "test-token-12345", reqToken: "wrong-token", expectedStatus: http.StatusUnauthorized},
		{name: "token auth takes precedence over basic auth", username: "admin", password: "secret123", token: "test-token-12345",
			reqToken: "test-token-12345", reqUsername: "wrong", reqPassword: "wrong", expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &authConfig{
				username: tt.username,
				password: tt.password,
				token:    tt.token,
				enabled:  (tt.username != "" && tt.password != "") || tt.token != "",
			}
			handler := adminAuth(cfg)(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header on 401 response")
			}
		})
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	if loadAuthConfig().enabled {
		t.Error("auth must be disabled without credentials")
	}
	t.Setenv("ADMIN_USERNAME", "admin")
	if loadAuthConfig().enabled {
		t.Error("a username alone must not enable auth")
	}
	t.Setenv("ADMIN_TOKEN", "tok")
	if !loadAuthConfig().enabled {
		t.Error("a token must enable auth")
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1", now) {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1", now) {
		t.Error("request 4 should be denied")
	}
	if !limiter.allow("192.168.1.2", now) {
		t.Error("another IP has its own budget")
	}
	if !limiter.allow("192.168.1.1", now.Add(time.Minute+time.Second)) {
		t.Error("request after the window should be allowed")
	}

	limiter.cleanup(now.Add(10 * time.Minute))
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.visitors) != 0 {
		t.Errorf("stale visitors kept: %d", len(limiter.visitors))
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 5; i++ {
		if !limiter.allow("10.0.0.1", time.Now()) {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	handler := rateLimit(limiter)(okHandler())

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
	}{
		{"ipv4 with port", "192.168.1.1:1234", ""},
		{"ipv6 with port", "[2001:db8::1]:8080", ""},
		{"ipv4 without port", "192.168.1.9", ""},
		{"forwarded for", "10.0.0.1:80", "203.0.113.5, 10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := make([]int, 2)
			for i := range codes {
				req := httptest.NewRequest(http.MethodPost, "/admin/cleanup", nil)
				req.RemoteAddr = tt.remoteAddr
				if tt.forwarded != "" {
					req.Header.Set("X-Forwarded-For", tt.forwarded)
				}
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				codes[i] = rr.Code
			}
			if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
				t.Errorf("codes = %v", codes)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.168.1.1:1234", "", "192.168.1.1"},
		{"[::1]:8080", "", "::1"},
		{"::1", "", "::1"},
		{"10.0.0.1:80", "203.0.113.5, 10.0.0.1", "203.0.113.5"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestCorrelationHeader(t *testing.T) {
	handler := correlate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc" {
		t.Errorf("correlation id = %q, want abc", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id not generated")
	}
}
