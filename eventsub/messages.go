// Package eventsub implements both EventSub delivery transports: HMAC-verified
// webhook callbacks and the websocket session protocol. Both decode the same
// notification family and hand chat events to a shared handler.
package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Webhook request headers set by Twitch on every delivery.
const (
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

// Message types shared by the webhook and websocket transports.
const (
	MessageTypeNotification     = "notification"
	MessageTypeVerification     = "webhook_callback_verification"
	MessageTypeRevocation       = "revocation"
	MessageTypeSessionWelcome   = "session_welcome"
	MessageTypeSessionKeepalive = "session_keepalive"
	MessageTypeSessionReconnect = "session_reconnect"
)

// SubscriptionTypeChatMessage is the chat notification subscription type.
const SubscriptionTypeChatMessage = "channel.chat.message"

// User identifies a Twitch user in a decoded event.
type User struct {
	ID    string
	Login string
}

// ChatMessage is the transport-independent chat event handed to dispatch.
// It is transient; nothing here is persisted.
type ChatMessage struct {
	MessageID   string
	Text        string
	Broadcaster User
	Chatter     User
	Badges      []string // badge set ids, e.g. "moderator", "subscriber"
}

// NotificationHandler receives each decoded chat event exactly once per delivery.
type NotificationHandler func(ctx context.Context, msg *ChatMessage)

// notificationPayload is the shared notification envelope: the webhook body,
// and the websocket frame's payload field.
type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// chatMessageEvent mirrors the channel.chat.message event wire shape.
type chatMessageEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserID        string `json:"chatter_user_id"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	MessageID            string `json:"message_id"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
		ID    string `json:"id"`
		Info  string `json:"info"`
	} `json:"badges"`
}

// decodeNotification decodes a notification envelope into a chat event,
// discriminating on the subscription type. Unknown types and malformed event
// bodies are errors; the ingress layers map them to 400.
func decodeNotification(body []byte) (*ChatMessage, error) {
	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed notification envelope: %w", err)
	}
	return decodePayload(&payload)
}

func decodePayload(payload *notificationPayload) (*ChatMessage, error) {
	switch payload.Subscription.Type {
	case SubscriptionTypeChatMessage:
		var ev chatMessageEvent
		if err := json.Unmarshal(payload.Event, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s event: %w", SubscriptionTypeChatMessage, err)
		}
		if ev.BroadcasterUserID == "" || ev.ChatterUserID == "" {
			return nil, fmt.Errorf("incomplete %s event: missing user ids", SubscriptionTypeChatMessage)
		}
		msg := &ChatMessage{
			MessageID:   ev.MessageID,
			Text:        strings.TrimSpace(ev.Message.Text),
			Broadcaster: User{ID: ev.BroadcasterUserID, Login: ev.BroadcasterUserLogin},
			Chatter:     User{ID: ev.ChatterUserID, Login: ev.ChatterUserLogin},
		}
		for _, b := range ev.Badges {
			msg.Badges = append(msg.Badges, b.SetID)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown subscription type %q", payload.Subscription.Type)
	}
}
