package bot

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/bot-tender/config"
	"github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/eventsub"
	"github.com/onnwee/bot-tender/telemetry"
	"github.com/onnwee/bot-tender/twitchapi"
)

// Bot is one running identity: its token source, Helix client, and command
// router. Identities never share any of these.
type Bot struct {
	Spec   config.BotSpec
	Tokens *twitchapi.UserTokenSource
	Helix  *twitchapi.HelixClient
	Router *Router
	Logger *slog.Logger
}

// HandleMessage dispatches one decoded chat event and sends the reply, if any.
// The bot's own messages are ignored so a reply can never trigger itself.
func (b *Bot) HandleMessage(ctx context.Context, msg *eventsub.ChatMessage) {
	if msg.Chatter.ID == b.Spec.UserID {
		return
	}
	reply := b.Router.Dispatch(ctx, msg)
	if reply == nil {
		return
	}
	err := b.Helix.SendChatMessage(ctx, twitchapi.SendChatMessageInput{
		BroadcasterID:        b.Spec.ChannelUserID,
		SenderID:             b.Spec.UserID,
		Message:              reply.Text,
		ReplyParentMessageID: reply.ParentID,
	})
	if err != nil {
		// A single failed send is recoverable; log and move on.
		telemetry.IncCounter(telemetry.SendFailures)
		b.Logger.Error("chat send failed", slog.Any("err", err))
		return
	}
	telemetry.IncCounter(telemetry.RepliesSent)
}

// Host runs every configured bot identity. Each identity has its own
// credential, command table, and ingress route; a failure starting one
// identity is reported and never stops the others.
type Host struct {
	Cfg        *config.Config
	DB         *sql.DB
	HTTPClient *http.Client
	// WebsocketURL overrides the production EventSub websocket endpoint.
	WebsocketURL string
	Logger       *slog.Logger

	mu       sync.Mutex
	webhooks map[string]http.Handler
	bots     map[string]*Bot
}

// NewHost wires a host for the configured bots.
func NewHost(cfg *config.Config, dbx *sql.DB) *Host {
	return &Host{
		Cfg:      cfg,
		DB:       dbx,
		Logger:   slog.Default().With(slog.String("component", "bot_host")),
		webhooks: make(map[string]http.Handler),
		bots:     make(map[string]*Bot),
	}
}

// Start brings up every configured identity. Identities without a stored
// credential (or with invalid config) are skipped with an error log; the
// OAuth authorize flow can establish their credential later, after which a
// restart picks them up.
func (h *Host) Start(ctx context.Context) {
	for _, spec := range h.Cfg.Bots {
		if err := h.startBot(ctx, spec); err != nil {
			h.Logger.Error("bot not started", slog.String("bot", spec.Name), slog.Any("err", err))
			continue
		}
		telemetry.AddGauge(telemetry.ActiveBotsGauge, 1)
		h.Logger.Info("bot started",
			slog.String("bot", spec.Name),
			slog.String("transport", string(spec.Transport)))
	}
}

func (h *Host) startBot(ctx context.Context, spec config.BotSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	tokens := &twitchapi.UserTokenSource{
		Identity:     spec.Name,
		ClientID:     h.Cfg.TwitchClientID,
		ClientSecret: h.Cfg.TwitchClientSecret,
		Store:        &db.CredentialStore{DB: h.DB},
		HTTPClient:   h.HTTPClient,
		OnRefresh: func(_, _ string) {
			telemetry.IncCounter(telemetry.TokenRefreshes)
		},
	}
	// A missing credential is fatal for this identity only.
	if err := tokens.Load(ctx); err != nil {
		return err
	}

	router := NewRouter(spec.CommandPrefix)
	backend := &SQLCommandBackend{DB: h.DB, Bot: spec.Name}
	router.Fallback = backend.Get
	router.Logger = h.Logger.With(slog.String("bot", spec.Name))
	RegisterCommandTable(router, backend)

	b := &Bot{
		Spec:   spec,
		Tokens: tokens,
		Helix:  &twitchapi.HelixClient{TokenSource: tokens, ClientID: h.Cfg.TwitchClientID},
		Router: router,
		Logger: h.Logger.With(slog.String("bot", spec.Name)),
	}

	switch spec.Transport {
	case config.TransportWebhook:
		wh := &eventsub.Webhook{
			Secret:         h.Cfg.WebhookSecret,
			Replay:         &db.ReplayLedger{DB: h.DB, Retention: h.Cfg.ReplayRetention},
			OnNotification: b.HandleMessage,
		}
		// Route first: the provider fires its verification challenge as soon
		// as the subscription is created.
		h.mu.Lock()
		h.webhooks[spec.Name] = wh
		h.mu.Unlock()
		if err := h.reconcileWebhookSubscription(ctx, b); err != nil {
			h.mu.Lock()
			delete(h.webhooks, spec.Name)
			h.mu.Unlock()
			return err
		}
	case config.TransportWebsocket:
		go h.runSession(ctx, b)
	}

	h.mu.Lock()
	h.bots[spec.Name] = b
	h.mu.Unlock()
	return nil
}

// WebhookHandler returns the verified-ingress handler for a bot name, used by
// the HTTP server to route /webhook/<bot>.
func (h *Host) WebhookHandler(name string) (http.Handler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handler, ok := h.webhooks[name]
	return handler, ok
}

// Bot returns a running identity by name.
func (h *Host) Bot(name string) (*Bot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bots[name]
	return b, ok
}

func (b *Bot) chatCondition() map[string]string {
	return map[string]string{
		"broadcaster_user_id": b.Spec.ChannelUserID,
		"user_id":             b.Spec.UserID,
	}
}

// matchesChatSub reports whether sub is this bot's chat subscription,
// regardless of transport or status.
func (b *Bot) matchesChatSub(sub twitchapi.Subscription) bool {
	return sub.Type == eventsub.SubscriptionTypeChatMessage &&
		sub.Condition["broadcaster_user_id"] == b.Spec.ChannelUserID &&
		sub.Condition["user_id"] == b.Spec.UserID
}

// reconcileWebhookSubscription makes the remote subscription state match this
// deployment: at most one enabled chat subscription targeting the current
// callback URL. Subscriptions pointing at a previous deployment's callback
// are revoked; an already-correct subscription is left alone.
func (h *Host) reconcileWebhookSubscription(ctx context.Context, b *Bot) error {
	callback := h.Cfg.WebhookBaseURL + "/webhook/" + b.Spec.Name

	subs, err := b.Helix.ListSubscriptions(ctx, b.Spec.UserID)
	if err != nil {
		return err
	}

	current := false
	for _, sub := range subs {
		if !b.matchesChatSub(sub) || sub.Transport.Method != "webhook" {
			continue
		}
		if sub.Status == "enabled" && sub.Transport.Callback == callback {
			current = true
			continue
		}
		b.Logger.Info("revoking stale webhook subscription",
			slog.String("subscription_id", sub.ID),
			slog.String("callback", sub.Transport.Callback),
			slog.String("status", sub.Status))
		if err := b.Helix.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}
	if current {
		return nil
	}

	_, err = b.Helix.CreateSubscription(ctx, twitchapi.SubscriptionRequest{
		Type:      eventsub.SubscriptionTypeChatMessage,
		Version:   "1",
		Condition: b.chatCondition(),
		Transport: twitchapi.SubscriptionTransport{
			Method:   "webhook",
			Callback: callback,
			Secret:   h.Cfg.WebhookSecret,
		},
	})
	return err
}

// revokeStaleSessionSubs deletes chat subscriptions bound to dead websocket
// sessions so a new session never double-delivers alongside a stale one.
func (h *Host) revokeStaleSessionSubs(ctx context.Context, b *Bot) error {
	subs, err := b.Helix.ListSubscriptions(ctx, b.Spec.UserID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !b.matchesChatSub(sub) || sub.Transport.Method != "websocket" {
			continue
		}
		b.Logger.Info("revoking stale session subscription",
			slog.String("subscription_id", sub.ID),
			slog.String("status", sub.Status))
		if err := b.Helix.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// runSession keeps one websocket session alive for the bot, redialing with
// backoff when the connection drops or the provider requests a reconnect.
func (h *Host) runSession(ctx context.Context, b *Bot) {
	// One guard across redials: the provider may redeliver notifications to
	// the replacement session.
	replay := eventsub.NewMemoryReplayGuard(h.Cfg.ReplayRetention)
	backoff := time.Second
	for ctx.Err() == nil {
		if err := h.revokeStaleSessionSubs(ctx, b); err != nil {
			b.Logger.Error("stale session cleanup failed", slog.Any("err", err))
		}

		sess := &eventsub.Session{
			URL:            h.WebsocketURL,
			OnNotification: b.HandleMessage,
			Replay:         replay,
			Logger:         b.Logger,
			Subscribe: func(sctx context.Context, sessionID string) error {
				_, err := b.Helix.CreateSubscription(sctx, twitchapi.SubscriptionRequest{
					Type:      eventsub.SubscriptionTypeChatMessage,
					Version:   "1",
					Condition: b.chatCondition(),
					Transport: twitchapi.SubscriptionTransport{
						Method:    "websocket",
						SessionID: sessionID,
					},
				})
				return err
			},
		}

		start := time.Now()
		err := sess.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, eventsub.ErrReconnectRequested):
			b.Logger.Info("session reconnect requested, redialing")
		case err != nil:
			b.Logger.Error("session ended", slog.Any("err", err))
		default:
			b.Logger.Info("session closed, redialing")
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
