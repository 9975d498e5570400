package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/bot-tender/telemetry"
	"github.com/onnwee/bot-tender/twitchapi"
)

// Session lifecycle states.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAwaitingWelcome
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultWelcomeTimeout bounds how long a freshly opened connection may sit
// without a session_welcome frame before the dial is treated as failed.
const DefaultWelcomeTimeout = 15 * time.Second

// DefaultKeepaliveTimeout is used when the welcome frame omits
// keepalive_timeout_seconds.
const DefaultKeepaliveTimeout = 30 * time.Second

// keepaliveGrace pads the provider's keepalive window before a silent
// connection is declared dead.
const keepaliveGrace = 3 * time.Second

// ErrNotWelcomed is returned when the session id is requested before the
// welcome frame arrived. Subscriptions registered against an unwelcomed
// session would be rejected upstream, so callers are stopped here.
var ErrNotWelcomed = errors.New("eventsub: session not yet welcomed")

// ErrReconnectRequested signals the provider asked this session to move to a
// new edge. The session shuts down; the owner decides whether to dial again.
var ErrReconnectRequested = errors.New("eventsub: session reconnect requested")

// Session maintains one EventSub websocket connection. Run dials, waits for
// the welcome frame, invokes Subscribe with the granted session id, then
// pumps notifications into OnNotification until the connection or context
// ends. Reconnection is the caller's decision; Run never redials on its own.
type Session struct {
	// URL overrides the production websocket endpoint, mainly for tests.
	URL string
	// WelcomeTimeout bounds the wait for session_welcome. Zero means
	// DefaultWelcomeTimeout.
	WelcomeTimeout time.Duration
	// Subscribe is called exactly once per Run, after welcome, with the
	// session id to register transports against. A Subscribe error tears
	// the session down.
	Subscribe func(ctx context.Context, sessionID string) error
	// OnNotification receives each decoded chat event.
	OnNotification NotificationHandler
	// Replay, when set, suppresses duplicate notification deliveries. The
	// provider may redeliver frames, especially across reconnects, so the
	// owner shares one guard between successive sessions.
	Replay ReplayGuard
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	mu        sync.Mutex
	state     SessionState
	sessionID string
	conn      *websocket.Conn
}

// sessionFrame is the websocket envelope wrapping every frame.
type sessionFrame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// welcomePayload carries the granted session id.
type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id granted by the welcome frame, or ErrNotWelcomed if
// the session has not reached the active state.
func (s *Session) SessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return "", ErrNotWelcomed
	}
	return s.sessionID, nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close tears the connection down. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Run drives the session to completion. It returns nil on a clean
// context-driven shutdown, ErrReconnectRequested when the provider asks for a
// new edge, and the underlying error otherwise.
func (s *Session) Run(ctx context.Context) error {
	log := s.logger().With(slog.String("component", "eventsub_session"))

	url := s.URL
	if url == "" {
		url = twitchapi.WebsocketURL
	}
	welcomeTimeout := s.WelcomeTimeout
	if welcomeTimeout <= 0 {
		welcomeTimeout = DefaultWelcomeTimeout
	}

	s.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("dial eventsub websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateAwaitingWelcome
	s.mu.Unlock()

	telemetry.AddGauge(telemetry.ActiveSessionsGauge, 1)
	defer telemetry.AddGauge(telemetry.ActiveSessionsGauge, -1)
	defer s.Close()

	// A cancelled context unblocks the read loop by closing the conn.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	// The welcome must arrive promptly; a hung dial should fail fast.
	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))

	// Set after welcome from keepalive_timeout_seconds. Every received frame
	// pushes the deadline forward; a connection that dies without a close
	// frame surfaces as a read timeout instead of blocking forever.
	var readTimeout time.Duration

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.State() == StateAwaitingWelcome {
				return fmt.Errorf("waiting for session welcome: %w", err)
			}
			return fmt.Errorf("read eventsub frame: %w", err)
		}
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		var frame sessionFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn("malformed session frame", slog.Any("err", err))
			continue
		}

		switch frame.Metadata.MessageType {
		case MessageTypeSessionWelcome:
			var welcome welcomePayload
			if err := json.Unmarshal(frame.Payload, &welcome); err != nil || welcome.Session.ID == "" {
				return fmt.Errorf("malformed session welcome: %w", err)
			}
			s.mu.Lock()
			s.sessionID = welcome.Session.ID
			s.state = StateActive
			s.mu.Unlock()
			keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
			if keepalive <= 0 {
				keepalive = DefaultKeepaliveTimeout
			}
			readTimeout = keepalive + keepaliveGrace
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			log.Info("session welcomed",
				slog.String("session_id", welcome.Session.ID),
				slog.Int("keepalive_timeout_s", welcome.Session.KeepaliveTimeoutSeconds))
			if s.Subscribe != nil {
				if err := s.Subscribe(ctx, welcome.Session.ID); err != nil {
					return fmt.Errorf("register session subscriptions: %w", err)
				}
			}
		case MessageTypeSessionKeepalive:
			// The read itself already pushed the deadline forward.
		case MessageTypeSessionReconnect:
			log.Warn("session reconnect requested")
			return ErrReconnectRequested
		case MessageTypeNotification:
			if s.Replay != nil {
				isNew, err := s.Replay.CheckAndMark(ctx, frame.Metadata.MessageID, frame.Metadata.MessageTimestamp)
				if err != nil {
					log.Warn("replay check failed", slog.Any("err", err))
				} else if !isNew {
					log.Debug("duplicate notification suppressed",
						slog.String("message_id", frame.Metadata.MessageID))
					continue
				}
			}
			var payload notificationPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				log.Warn("malformed notification payload", slog.Any("err", err))
				continue
			}
			msg, err := decodePayload(&payload)
			if err != nil {
				log.Warn("notification decode failed", slog.Any("err", err))
				continue
			}
			telemetry.IncCounter(telemetry.NotificationsDecoded)
			if s.OnNotification != nil {
				s.OnNotification(ctx, msg)
			}
		case MessageTypeRevocation:
			var payload notificationPayload
			_ = json.Unmarshal(frame.Payload, &payload)
			log.Warn("session subscription revoked",
				slog.String("subscription_id", payload.Subscription.ID),
				slog.String("subscription_type", payload.Subscription.Type))
		default:
			log.Debug("ignoring session frame", slog.String("message_type", frame.Metadata.MessageType))
		}
	}
}
