package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses.
// Requests are routed by path; Hits counts requests per path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	hits     map[string]*atomic.Int32
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits: map[string]*atomic.Int32{
			"/helix/streams": {},
			"/oauth2/token":  {},
		},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if c, ok := m.hits[key]; ok {
			c.Add(1)
		}
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	if c, ok := m.hits[path]; ok {
		return int(c.Load())
	}
	return 0
}

// Client returns an HTTP client that sends every request, whatever its host,
// to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct{ host string }

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

// MockStreamsResponse answers /helix/streams with the given live channels.
// Logins absent from live are reported offline, as Helix does.
func (m *MockTwitchServer) MockStreamsResponse(live ...string) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]interface{}{}
		for _, login := range r.URL.Query()["user_login"] {
			for _, l := range live {
				if strings.EqualFold(l, login) {
					data = append(data, map[string]interface{}{
						"id":         "s-" + l,
						"user_login": l,
						"title":      "live",
						"started_at": "2024-10-15T14:30:00Z",
					})
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
