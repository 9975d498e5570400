// Package oauth keeps stored credentials alive: a background validator hits
// the provider's introspection endpoint per identity on a jittered schedule
// and pushes an invalid token through the same single-flight refresh path the
// 401 wrapper uses. A token reported valid but expiring before the next check
// is rotated early. Credentials stay valid indefinitely without manual
// intervention even for identities that rarely send.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/onnwee/bot-tender/twitchapi"
)

// DefaultValidateInterval matches the provider's guidance to validate tokens
// at least hourly.
const DefaultValidateInterval = time.Hour

// StartValidator launches a goroutine that periodically validates one
// identity's access token via the token source. The validate call itself goes
// through the 401-refresh wrapper, so a dead token triggers exactly one
// refresh-token exchange; refresh failure is logged and retried next tick,
// never in a tight loop.
func StartValidator(ctx context.Context, ts *twitchapi.UserTokenSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultValidateInterval
	}
	log := slog.Default().With(
		slog.String("component", "oauth_validator"),
		slog.String("identity", ts.Identity))

	// Randomize initial delay to spread load across identities.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			validateOnce(ctx, ts, interval, log)

			// Per-iteration jitter (+-20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func validateOnce(ctx context.Context, ts *twitchapi.UserTokenSource, interval time.Duration, log *slog.Logger) {
	vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := ts.Do(vctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(vctx, http.MethodGet, twitchapi.ValidateURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "OAuth "+token)
		return req, nil
	})
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			log.Warn("token validation round trip failed", slog.Any("err", err))
		}
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var val twitchapi.ValidateResult
		if err := json.NewDecoder(resp.Body).Decode(&val); err != nil {
			log.Warn("malformed validate response", slog.Any("err", err))
			return
		}
		expiry := twitchapi.ComputeExpiry(val.ExpiresIn)
		// The next check lands up to one jittered interval out; a token that
		// dies before then is rotated now.
		if time.Until(expiry) < interval+interval/5 {
			log.Info("token expires before next validation, refreshing early",
				slog.Time("expires_at", expiry))
			if err := ts.Refresh(vctx); err != nil {
				log.Warn("early token refresh failed", slog.Any("err", err))
			}
			return
		}
		log.Debug("token validated", slog.Time("expires_at", expiry))
	case http.StatusUnauthorized:
		// Do already attempted one refresh; a 401 here means the refresh
		// token is dead and credentials must be re-established out of band.
		log.Error("token invalid and refresh failed, re-authorization required")
	default:
		log.Warn("unexpected validate status", slog.Int("status", resp.StatusCode))
	}
}
