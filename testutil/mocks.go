package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and id.twitch.tv responses.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockTwitchServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"user:read:chat", "user:write:chat"},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockValidateResponse adds a handler for the OAuth validate endpoint.
func (m *MockTwitchServer) MockValidateResponse(status int, userID string) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
				"user_id":    userID,
				"login":      "mockuser",
				"expires_in": 3600,
			})
		}
	}
}

// MockChatMessageResponse adds a handler for the Helix chat send endpoint.
func (m *MockTwitchServer) MockChatMessageResponse(status int) {
	m.Handlers["/helix/chat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"data": []map[string]interface{}{{"message_id": "sent-1", "is_sent": status == http.StatusOK}},
		})
	}
}

// MockSubscriptionsResponse adds a handler for the EventSub subscriptions endpoint
// answering GET with the given subscriptions and POST with 202.
func (m *MockTwitchServer) MockSubscriptionsResponse(subs []map[string]interface{}) {
	m.Handlers["/helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": subs}) //nolint:errcheck // test mock response
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
				"data": []map[string]interface{}{{"id": "sub-new", "status": "enabled"}},
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// RewriteTransport redirects every request to the mock server's host so code
// with pinned production URLs can be exercised against httptest servers.
type RewriteTransport struct {
	Host string // host:port of the test server
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.Host
	return http.DefaultTransport.RoundTrip(req)
}

// APIClient returns an http.Client whose requests all land on the mock server.
func (m *MockTwitchServer) APIClient() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.Listener.Addr().String()}}
}

// SignWebhookPayload computes the EventSub signature header value for a payload,
// the same way Twitch does: sha256= + hex HMAC over id+timestamp+body.
func SignWebhookPayload(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
