package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	dbpkg "github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/twitchapi"
)

// oauthStateTTL bounds how long an authorize redirect may sit before the
// callback; the background sweeper removes anything older.
const oauthStateTTL = 10 * time.Minute

// HandleOAuthStart begins the authorize flow: it stores a one-time state and
// redirects to the provider's consent page. An optional ?bot=<name> query
// names the identity the resulting credential belongs to; without it the
// authenticated user's login is used. The hint is persisted with the state
// row, since the provider's callback carries only code and state.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateOAuthReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	bot := r.URL.Query().Get("bot")
	if err := dbpkg.PutAuthState(r.Context(), h.db, st, bot, time.Now().Add(oauthStateTTL)); err != nil {
		slog.Error("failed to store oauth state", slog.Any("err", err))
		http.Error(w, "state store error", http.StatusInternalServerError)
		return
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	http.Redirect(w, r, h.oauthCfg.AuthCodeURL(st, opts...), http.StatusFound)
}

// HandleOAuthCallback finishes the flow: consume the one-time state, exchange
// the code, resolve which identity the token belongs to, and persist the
// credential. Restarting the process then picks the identity up.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	identity, ok, err := dbpkg.ConsumeAuthState(ctx, h.db, st)
	if err != nil {
		slog.Error("oauth state lookup failed", slog.Any("err", err))
		http.Error(w, "state lookup error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	if h.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
	}
	tok, err := h.oauthCfg.Exchange(ctx, code)
	if err != nil {
		slog.Error("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	// Ask the provider whose token this is; the login doubles as the default
	// identity name and the validation confirms the exchange really worked.
	val, err := twitchapi.Validate(ctx, h.httpClient, tok.AccessToken)
	if err != nil {
		slog.Error("token validation after exchange failed", slog.Any("err", err))
		http.Error(w, "token validation failed", http.StatusBadGateway)
		return
	}
	if identity == "" {
		identity = val.Login
	}
	scopes := val.Scopes

	err = dbpkg.UpsertCredential(ctx, h.db, dbpkg.Credential{
		Identity:     identity,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        strings.Join(scopes, " "),
	})
	if err != nil {
		slog.Error("failed to persist credential", slog.Any("err", err))
		http.Error(w, "credential store error", http.StatusInternalServerError)
		return
	}

	slog.Info("credential established",
		slog.String("identity", identity), slog.String("login", val.Login))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"identity": identity,
		"scopes":   scopes,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
