package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// PutAuthState stores a one-time OAuth state token with its expiry and the
// bot identity the flow was started for. The hint rides in this row because
// the provider's callback carries only code and state; bot is empty when the
// caller gave no hint.
func PutAuthState(ctx context.Context, dbx *sql.DB, state, bot string, expiresAt time.Time) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO oauth_states(state, bot, expires_at) VALUES($1,$2,$3)
		 ON CONFLICT(state) DO NOTHING`, state, bot, expiresAt)
	return err
}

// ConsumeAuthState deletes the state and returns the bot hint it was stored
// with, plus whether it was present and unexpired. The delete-and-return makes
// consumption atomic: a state value can never validate twice, even under
// concurrent callbacks.
func ConsumeAuthState(ctx context.Context, dbx *sql.DB, state string) (string, bool, error) {
	var (
		bot       string
		expiresAt time.Time
	)
	err := dbx.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state=$1 RETURNING bot, expires_at`, state).Scan(&bot, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !time.Now().Before(expiresAt) {
		return "", false, nil
	}
	return bot, true, nil
}

// SweepAuthStates deletes expired states that were never consumed.
func SweepAuthStates(ctx context.Context, dbx *sql.DB) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartAuthStateSweeper runs SweepAuthStates periodically until ctx ends.
func StartAuthStateSweeper(ctx context.Context, dbx *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := SweepAuthStates(ctx, dbx); err != nil && ctx.Err() == nil {
					slog.Warn("oauth state sweep failed", slog.Any("err", err), slog.String("component", "db_states"))
				}
			}
		}
	}()
}
