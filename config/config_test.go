package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	t.Setenv("TWITCH_SCOPES", "")
	t.Setenv("BOTS", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("REPLAY_RETENTION", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TwitchScopes == "" {
		t.Error("expected default scopes")
	}
	if cfg.DBDsn == "" {
		t.Error("expected default DB_DSN")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.ReplayRetention != 10*time.Minute {
		t.Errorf("ReplayRetention = %v, want 10m", cfg.ReplayRetention)
	}
	if len(cfg.Bots) != 0 {
		t.Errorf("expected no bots, got %d", len(cfg.Bots))
	}
}

func TestLoadBots(t *testing.T) {
	t.Setenv("BOTS", "snail, grump")
	t.Setenv("BOT_SNAIL_USER_ID", "100")
	t.Setenv("BOT_SNAIL_CHANNEL_USER_ID", "200")
	t.Setenv("BOT_SNAIL_TRANSPORT", "websocket")
	t.Setenv("BOT_GRUMP_USER_ID", "101")
	t.Setenv("BOT_GRUMP_CHANNEL_USER_ID", "200")
	t.Setenv("BOT_GRUMP_COMMAND_PREFIX", "?")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Bots) != 2 {
		t.Fatalf("expected 2 bots, got %d", len(cfg.Bots))
	}
	snail := cfg.Bots[0]
	if snail.UserID != "100" || snail.Transport != TransportWebsocket || snail.CommandPrefix != "!" {
		t.Errorf("unexpected snail spec: %+v", snail)
	}
	grump := cfg.Bots[1]
	if grump.Transport != TransportWebhook {
		t.Errorf("grump transport = %q, want webhook default", grump.Transport)
	}
	if grump.CommandPrefix != "?" {
		t.Errorf("grump prefix = %q, want ?", grump.CommandPrefix)
	}
}

func TestWebhookSecretDefaultsToClientSecret(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_SECRET", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q, want client secret fallback", cfg.WebhookSecret)
	}
}

func TestBotSpecValidate(t *testing.T) {
	ok := BotSpec{Name: "a", UserID: "1", ChannelUserID: "2", Transport: TransportWebhook}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	missing := BotSpec{Name: "b", Transport: TransportWebhook}
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing ids")
	}
	badTransport := BotSpec{Name: "c", UserID: "1", ChannelUserID: "2", Transport: "smoke-signal"}
	if err := badTransport.Validate(); err == nil {
		t.Error("expected error for unknown transport")
	}
}
