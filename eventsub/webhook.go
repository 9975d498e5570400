package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/bot-tender/telemetry"
)

// maxWebhookBody bounds how much of a delivery is read; EventSub payloads are small.
const maxWebhookBody = 1 << 20

// Webhook verifies and decodes EventSub webhook deliveries for one bot.
// It answers the callback-verification handshake, suppresses replayed message
// ids, and forwards decoded chat notifications to OnNotification.
type Webhook struct {
	// Secret is the HMAC secret registered with the subscription transport.
	Secret string
	// Replay is consulted before any processing; deliveries whose id was
	// already seen are acknowledged with 200 and dropped.
	Replay ReplayGuard
	// OnNotification receives each decoded chat event.
	OnNotification NotificationHandler
}

// ComputeSignature returns the signature header value Twitch expects:
// "sha256=" + hex HMAC-SHA256 over messageID + messageTimestamp + body.
func ComputeSignature(secret, messageID, messageTimestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(messageTimestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the provided header against the computed signature in
// constant time.
func verifySignature(secret, messageID, messageTimestamp string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := ComputeSignature(secret, messageID, messageTimestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ServeHTTP implements the provider's webhook contract:
//   - missing message-id/timestamp headers -> 400
//   - missing or mismatched signature -> 403
//   - replayed message id -> 200, no processing
//   - webhook_callback_verification -> 200 with the challenge as plain text
//   - notification -> decode and dispatch, 200
//   - anything else -> 400
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		telemetry.IncCounter(telemetry.WebhookRejected)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	messageID := r.Header.Get(HeaderMessageID)
	messageTimestamp := r.Header.Get(HeaderMessageTimestamp)
	if messageID == "" || messageTimestamp == "" {
		telemetry.IncCounter(telemetry.WebhookRejected)
		http.Error(w, "missing message headers", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(HeaderMessageSignature)
	if !verifySignature(wh.Secret, messageID, messageTimestamp, body, signature) {
		log.Warn("webhook signature rejected", slog.String("message_id", messageID))
		telemetry.IncCounter(telemetry.WebhookRejected)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	telemetry.IncCounter(telemetry.WebhookDeliveries)

	isNew, err := wh.Replay.CheckAndMark(ctx, messageID, messageTimestamp)
	if err != nil {
		log.Error("replay guard check failed", slog.Any("err", err))
		http.Error(w, "replay check failed", http.StatusInternalServerError)
		return
	}
	if !isNew {
		// Duplicate delivery is normal under at-least-once retries.
		log.Debug("duplicate webhook delivery", slog.String("message_id", messageID))
		telemetry.IncCounter(telemetry.WebhookDuplicates)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Header.Get(HeaderMessageType) {
	case MessageTypeVerification:
		var v struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &v); err != nil || v.Challenge == "" {
			telemetry.IncCounter(telemetry.WebhookRejected)
			http.Error(w, "invalid verification request", http.StatusBadRequest)
			return
		}
		log.Info("webhook callback verified", slog.String("message_id", messageID))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(v.Challenge))
	case MessageTypeNotification:
		msg, err := decodeNotification(body)
		if err != nil {
			log.Warn("notification decode failed", slog.Any("err", err))
			telemetry.IncCounter(telemetry.WebhookRejected)
			http.Error(w, "invalid notification", http.StatusBadRequest)
			return
		}
		telemetry.IncCounter(telemetry.NotificationsDecoded)
		if wh.OnNotification != nil {
			wh.OnNotification(ctx, msg)
		}
		w.WriteHeader(http.StatusOK)
	case MessageTypeRevocation:
		var p notificationPayload
		_ = json.Unmarshal(body, &p)
		log.Warn("subscription revoked",
			slog.String("subscription_id", p.Subscription.ID),
			slog.String("subscription_type", p.Subscription.Type))
		w.WriteHeader(http.StatusOK)
	default:
		telemetry.IncCounter(telemetry.WebhookRejected)
		http.Error(w, "unsupported message type", http.StatusBadRequest)
	}
}
