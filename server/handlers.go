package server

import (
	"database/sql"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/bot-tender/config"
)

// Handlers holds dependencies shared by all HTTP handlers.
type Handlers struct {
	cfg    *config.Config
	db     *sql.DB
	routes WebhookRoutes

	// httpClient overrides the default client for token exchange and
	// validation, mainly for tests.
	httpClient *http.Client

	// oauthCfg drives the authorize redirect and code exchange. The endpoint
	// is overridable so tests can point it at a mock server.
	oauthCfg *oauth2.Config
}

// NewHandlers creates a Handlers instance wired to the configured Twitch app.
func NewHandlers(cfg *config.Config, db *sql.DB, routes WebhookRoutes) *Handlers {
	return &Handlers{
		cfg:    cfg,
		db:     db,
		routes: routes,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Scopes:       strings.Fields(cfg.TwitchScopes),
			Endpoint:     endpoints.Twitch,
		},
	}
}

// HandleWebhookDispatch routes /webhook/<bot> to that bot's verified ingress
// handler. Unknown bot names are 404: the name is part of the callback URL
// registered with the provider, so anything else is noise.
func (h *Handlers) HandleWebhookDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	handler, ok := h.routes.WebhookHandler(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}
