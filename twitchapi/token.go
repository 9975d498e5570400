package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CredentialStore is the durable home of one or more identities' OAuth token
// pairs. Implementations provide idempotent upsert semantics (last-writer-wins).
type CredentialStore interface {
	GetCredential(ctx context.Context, identity string) (access, refresh string, err error)
	SetCredential(ctx context.Context, identity, access, refresh, scope string) error
}

// UserTokenSource caches one identity's user access token and refreshes it when
// an outbound call comes back 401. Concurrent 401s collapse into a single
// token-endpoint round trip; the new pair is persisted before any retry is sent.
//
// The cache is populated by Load at startup and mutated only by the refresh
// path. One source serves exactly one identity; identities never share a source.
type UserTokenSource struct {
	Identity     string
	ClientID     string
	ClientSecret string
	Store        CredentialStore
	HTTPClient   *http.Client

	// OnRefresh, when set, observes every successful refresh after persistence.
	OnRefresh func(access, refresh string)

	mu      sync.Mutex
	access  string
	refresh string
	loaded  bool

	group singleflight.Group
}

func (ts *UserTokenSource) http() *http.Client {
	if ts.HTTPClient != nil {
		return ts.HTTPClient
	}
	return http.DefaultClient
}

// Load pulls the stored credential into the cache. A missing credential is
// fatal for the identity; callers report it and skip starting the bot.
func (ts *UserTokenSource) Load(ctx context.Context) error {
	access, refresh, err := ts.Store.GetCredential(ctx, ts.Identity)
	if err != nil {
		return fmt.Errorf("load credential for %s: %w", ts.Identity, err)
	}
	ts.mu.Lock()
	ts.access, ts.refresh, ts.loaded = access, refresh, true
	ts.mu.Unlock()
	return nil
}

// Token returns the cached access token, loading it on first use.
func (ts *UserTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.loaded {
		tok := ts.access
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()
	if err := ts.Load(ctx); err != nil {
		return "", err
	}
	ts.mu.Lock()
	tok := ts.access
	ts.mu.Unlock()
	return tok, nil
}

// Do sends a request built from the current access token. On a 401 it refreshes
// the token pair once and re-issues the request with the new token; a second
// 401 is returned as-is. At most two physical requests are made per call. When
// the refresh itself fails the original 401 response is returned unchanged.
func (ts *UserTokenSource) Do(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	tok, err := ts.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := build(tok)
	if err != nil {
		return nil, err
	}
	resp, err := ts.http().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	slog.Warn("request unauthorized, refreshing token",
		slog.String("identity", ts.Identity), slog.String("url", req.URL.Path))
	newTok, refreshErr := ts.refreshAccessToken(ctx, tok)
	if refreshErr != nil {
		slog.Error("token refresh failed", slog.String("identity", ts.Identity), slog.Any("err", refreshErr))
		return resp, nil
	}
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}

	req2, err := build(newTok)
	if err != nil {
		return nil, err
	}
	return ts.http().Do(req2)
}

// Refresh rotates the token pair now instead of waiting for a request to come
// back 401. Concurrent callers collapse into the same exchange as the 401 path.
func (ts *UserTokenSource) Refresh(ctx context.Context) error {
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	_, err = ts.refreshAccessToken(ctx, tok)
	return err
}

// refreshAccessToken exchanges the refresh token for a new pair, persisting it
// before returning. stale is the access token the caller saw fail; if the cache
// has already moved past it another caller won the refresh and its result is
// reused without another network call.
func (ts *UserTokenSource) refreshAccessToken(ctx context.Context, stale string) (string, error) {
	v, err, _ := ts.group.Do(ts.Identity, func() (any, error) {
		ts.mu.Lock()
		current, refreshTok := ts.access, ts.refresh
		ts.mu.Unlock()
		if current != "" && current != stale {
			return current, nil
		}
		if refreshTok == "" {
			return nil, errors.New("no refresh token cached")
		}
		res, err := RefreshToken(ctx, ts.HTTPClient, ts.ClientID, ts.ClientSecret, refreshTok)
		if err != nil {
			return nil, err
		}
		// Durable storage is updated before the new token is handed to any
		// retry; a crash after this point must not lose the rotated pair.
		scope := strings.Join(res.Scope, " ")
		if err := ts.Store.SetCredential(ctx, ts.Identity, res.AccessToken, res.RefreshToken, scope); err != nil {
			return nil, fmt.Errorf("persist refreshed credential: %w", err)
		}
		ts.mu.Lock()
		ts.access, ts.refresh, ts.loaded = res.AccessToken, res.RefreshToken, true
		ts.mu.Unlock()
		if ts.OnRefresh != nil {
			ts.OnRefresh(res.AccessToken, res.RefreshToken)
		}
		slog.Info("token refreshed", slog.String("identity", ts.Identity))
		return res.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
