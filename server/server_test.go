package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/onnwee/bot-tender/config"
	dbpkg "github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/testutil"
)

type fakeRoutes map[string]http.Handler

func (f fakeRoutes) WebhookHandler(name string) (http.Handler, bool) {
	h, ok := f[name]
	return h, ok
}

func testConfig() *config.Config {
	return &config.Config{
		TwitchClientID:     "client-id",
		TwitchClientSecret: "client-secret",
		TwitchRedirectURI:  "https://bots.example.com/auth/twitch/callback",
		TwitchScopes:       "user:read:chat user:write:chat",
		HTTPAddr:           ":0",
	}
}

func TestWebhookDispatchRouting(t *testing.T) {
	var hits int
	routes := fakeRoutes{
		"testbot": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		}),
	}
	h := NewHandlers(testConfig(), nil, routes)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/webhook/testbot", http.StatusOK},
		{http.MethodPost, "/webhook/unknown", http.StatusNotFound},
		{http.MethodPost, "/webhook/", http.StatusNotFound},
		{http.MethodPost, "/webhook/testbot/extra", http.StatusNotFound},
		{http.MethodGet, "/webhook/testbot", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.HandleWebhookDispatch(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
	if hits != 1 {
		t.Errorf("bot handler hit %d times, want 1", hits)
	}
}

func TestMuxSetsCorrelationID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := NewMux(ctx, testConfig(), db, fakeRoutes{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}

	// A provided correlation id is echoed back.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-42" {
		t.Errorf("X-Correlation-ID = %q, want corr-42", got)
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        time.Minute,
	})
	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), limiter)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request = %d, want 429", rec.Code)
	}

	// A different IP is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other IP = %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote    string
		forwarded string
		want      string
	}{
		{"10.0.0.1:5000", "", "10.0.0.1"},
		{"10.0.0.1:5000", "203.0.113.7", "203.0.113.7"},
		{"10.0.0.1:5000", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(remote=%s, xff=%q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestOAuthStartRequiresConfig(t *testing.T) {
	h := NewHandlers(&config.Config{}, nil, fakeRoutes{})
	rec := httptest.NewRecorder()
	h.HandleOAuthStart(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfigured start = %d, want 400", rec.Code)
	}
}

func TestOAuthStartStoresBotHintWithState(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := NewHandlers(testConfig(), db, fakeRoutes{})

	rec := httptest.NewRecorder()
	h.HandleOAuthStart(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/start?bot=testbot", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("start = %d, want 302 (body %q)", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("redirect location: %v", err)
	}
	if loc.Host != "id.twitch.tv" {
		t.Errorf("redirect host = %q, want id.twitch.tv", loc.Host)
	}
	if got := loc.Query().Get("client_id"); got != "client-id" {
		t.Errorf("client_id = %q", got)
	}
	st := loc.Query().Get("state")
	if st == "" {
		t.Fatal("redirect missing state parameter")
	}
	// The provider's callback carries only code and state, so the hint must
	// come back through the state row, never the authorize URL.
	if got := loc.Query().Get("bot"); got != "" {
		t.Errorf("authorize URL carries bot=%q, want the hint stored server-side", got)
	}
	bot, ok, err := dbpkg.ConsumeAuthState(context.Background(), db, st)
	if err != nil || !ok || bot != "testbot" {
		t.Fatalf("stored state = %q, %v, %v; want testbot, true, nil", bot, ok, err)
	}
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := NewHandlers(testConfig(), db, fakeRoutes{})

	rec := httptest.NewRecorder()
	h.HandleOAuthCallback(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state=never-issued", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad state = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleOAuthCallback(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing params = %d, want 400", rec.Code)
	}
}
