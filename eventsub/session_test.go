package eventsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEdge is a websocket server that feeds scripted frames to a session.
type fakeEdge struct {
	srv    *httptest.Server
	frames chan string
	hold   chan struct{} // closed to let the handler return
}

func newFakeEdge(t *testing.T) *fakeEdge {
	t.Helper()
	edge := &fakeEdge{
		frames: make(chan string, 16),
		hold:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	edge.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			select {
			case frame, ok := <-edge.frames:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			case <-edge.hold:
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(edge.hold)
		edge.srv.Close()
	})
	return edge
}

func (e *fakeEdge) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

const welcomeFrame = `{
	"metadata": {"message_id": "w1", "message_type": "session_welcome", "message_timestamp": "2026-01-01T00:00:00Z"},
	"payload": {"session": {"id": "sess-abc", "status": "connected", "keepalive_timeout_seconds": 10}}
}`

const sessionNotificationFrame = `{
	"metadata": {"message_id": "n1", "message_type": "notification", "message_timestamp": "2026-01-01T00:00:01Z"},
	"payload": {
		"subscription": {"id": "sub-1", "type": "channel.chat.message"},
		"event": {
			"broadcaster_user_id": "100",
			"broadcaster_user_login": "streamer",
			"chatter_user_id": "200",
			"chatter_user_login": "viewer",
			"message_id": "chat-1",
			"message": {"text": "!ping"}
		}
	}
}`

func TestSessionWelcomeTriggersSubscribe(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- welcomeFrame
	edge.frames <- sessionNotificationFrame

	var mu sync.Mutex
	var subscribedIDs []string
	var got []*ChatMessage
	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := &Session{
		URL: edge.url(),
		Subscribe: func(_ context.Context, sessionID string) error {
			mu.Lock()
			subscribedIDs = append(subscribedIDs, sessionID)
			mu.Unlock()
			return nil
		},
		OnNotification: func(_ context.Context, msg *ChatMessage) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
			cancel() // saw what we needed
		},
	}
	go func() {
		if err := sess.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subscribedIDs) != 1 || subscribedIDs[0] != "sess-abc" {
		t.Fatalf("Subscribe calls = %v, want exactly one with sess-abc", subscribedIDs)
	}
	if len(got) != 1 || got[0].Text != "!ping" {
		t.Fatalf("notifications = %+v, want one with text !ping", got)
	}
}

func TestSessionIDBeforeWelcome(t *testing.T) {
	sess := &Session{}
	if _, err := sess.SessionID(); !errors.Is(err, ErrNotWelcomed) {
		t.Fatalf("SessionID error = %v, want ErrNotWelcomed", err)
	}
}

func TestSessionWelcomeTimeout(t *testing.T) {
	edge := newFakeEdge(t) // never sends welcome

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := &Session{
		URL:            edge.url(),
		WelcomeTimeout: 100 * time.Millisecond,
	}
	err := sess.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "welcome") {
		t.Fatalf("Run error = %v, want welcome timeout", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestSessionSilentConnectionTimesOut(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- `{
		"metadata": {"message_id": "w1", "message_type": "session_welcome", "message_timestamp": "2026-01-01T00:00:00Z"},
		"payload": {"session": {"id": "sess-abc", "status": "connected", "keepalive_timeout_seconds": 1}}
	}`
	// The edge then goes silent without ever sending a close frame.

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess := &Session{
		URL:       edge.url(),
		Subscribe: func(context.Context, string) error { return nil },
	}
	start := time.Now()
	err := sess.Run(ctx)
	if ctx.Err() != nil {
		t.Fatal("silent connection never surfaced a read error")
	}
	if err == nil || !strings.Contains(err.Error(), "read eventsub frame") {
		t.Fatalf("Run error = %v, want read failure from the keepalive deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("deadline fired after %v, want within the keepalive window plus grace", elapsed)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestSessionKeepalivesExtendDeadline(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- `{
		"metadata": {"message_id": "w1", "message_type": "session_welcome", "message_timestamp": "2026-01-01T00:00:00Z"},
		"payload": {"session": {"id": "sess-abc", "status": "connected", "keepalive_timeout_seconds": 1}}
	}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &Session{URL: edge.url()}
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	// Five seconds of keepalives, well past the initial one-second window.
	for i := 0; i < 5; i++ {
		time.Sleep(time.Second)
		edge.frames <- `{
			"metadata": {"message_id": "k1", "message_type": "session_keepalive", "message_timestamp": "2026-01-01T00:00:05Z"},
			"payload": {}
		}`
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil; keepalives should keep the session alive until cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestSessionSuppressesDuplicateNotifications(t *testing.T) {
	edge := newFakeEdge(t)
	second := strings.ReplaceAll(strings.ReplaceAll(sessionNotificationFrame, `"n1"`, `"n2"`), "!ping", "!pong")
	edge.frames <- welcomeFrame
	edge.frames <- sessionNotificationFrame
	edge.frames <- sessionNotificationFrame // same message_id redelivered
	edge.frames <- second

	var mu sync.Mutex
	var got []string

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := &Session{
		URL:    edge.url(),
		Replay: NewMemoryReplayGuard(time.Minute),
		OnNotification: func(_ context.Context, msg *ChatMessage) {
			mu.Lock()
			got = append(got, msg.Text)
			mu.Unlock()
			if msg.Text == "!pong" {
				cancel()
			}
		},
	}
	if err := sess.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "!ping" || got[1] != "!pong" {
		t.Fatalf("notifications = %v, want the redelivery suppressed", got)
	}
}

func TestSessionSubscribeErrorTearsDown(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- welcomeFrame

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wantErr := errors.New("registration rejected")
	sess := &Session{
		URL:       edge.url(),
		Subscribe: func(context.Context, string) error { return wantErr },
	}
	if err := sess.Run(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v, want %v", err, wantErr)
	}
}

func TestSessionReconnectRequested(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- welcomeFrame
	edge.frames <- `{
		"metadata": {"message_id": "r1", "message_type": "session_reconnect", "message_timestamp": "2026-01-01T00:00:02Z"},
		"payload": {"session": {"id": "sess-abc", "reconnect_url": "wss://example.invalid/ws"}}
	}`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := &Session{
		URL:       edge.url(),
		Subscribe: func(context.Context, string) error { return nil },
	}
	if err := sess.Run(ctx); !errors.Is(err, ErrReconnectRequested) {
		t.Fatalf("Run error = %v, want ErrReconnectRequested", err)
	}
}

func TestSessionContextCancelIsClean(t *testing.T) {
	edge := newFakeEdge(t)
	edge.frames <- welcomeFrame

	ctx, cancel := context.WithCancel(context.Background())
	subscribed := make(chan struct{})

	sess := &Session{
		URL: edge.url(),
		Subscribe: func(context.Context, string) error {
			close(subscribed)
			return nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("session never became active")
	}
	if id, err := sess.SessionID(); err != nil || id != "sess-abc" {
		t.Fatalf("SessionID = %q, %v; want sess-abc", id, err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}
