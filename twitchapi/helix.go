package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HelixClient wraps the Helix calls a bot makes on behalf of its identity.
// Every request goes through the token source, so a 401 triggers one
// refresh-and-retry transparently.
type HelixClient struct {
	TokenSource *UserTokenSource
	ClientID    string
}

// SendChatMessageInput describes one outbound chat message.
type SendChatMessageInput struct {
	BroadcasterID string `json:"broadcaster_id"`
	SenderID      string `json:"sender_id"`
	Message       string `json:"message"`
	// ReplyParentMessageID threads the reply under an existing message when set.
	ReplyParentMessageID string `json:"reply_parent_message_id,omitempty"`
}

// SendChatMessage posts a chat message to the broadcaster's channel. A non-200
// answer is an error; callers treat a single failed send as recoverable.
func (hc *HelixClient) SendChatMessage(ctx context.Context, in SendChatMessageInput) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := hc.TokenSource.Do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ChatMessageURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat send failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// SubscriptionTransport is the delivery target of an EventSub subscription.
type SubscriptionTransport struct {
	Method    string `json:"method"` // "webhook" or "websocket"
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is one EventSub subscription as reported by Helix.
type Subscription struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// SubscriptionRequest is the create payload for an EventSub subscription.
type SubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// CreateSubscription registers an EventSub subscription; Helix answers 202 on success.
func (hc *HelixClient) CreateSubscription(ctx context.Context, sub SubscriptionRequest) (*Subscription, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	resp, err := hc.TokenSource.Do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, SubscriptionsURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("subscription create failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("subscription create returned no data")
	}
	return &body.Data[0], nil
}

// ListSubscriptions returns the subscriptions registered for a user id.
func (hc *HelixClient) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	resp, err := hc.TokenSource.Do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, SubscriptionsURL, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("user_id", userID)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", hc.ClientID)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("subscription list failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// DeleteSubscription revokes a subscription by id.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	resp, err := hc.TokenSource.Do(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, SubscriptionsURL, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("id", id)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", hc.ClientID)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("subscription delete failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
