package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// MarkEventSeen records an EventSub message id and reports whether this call
// was the first to see it. The conditional insert makes concurrent deliveries
// of the same id race safely: exactly one caller observes true.
func MarkEventSeen(ctx context.Context, dbx *sql.DB, messageID, messageTimestamp string, retention time.Duration) (bool, error) {
	res, err := dbx.ExecContext(ctx,
		`INSERT INTO eventsub_messages(message_id, message_timestamp, expires_at)
		 VALUES($1,$2,NOW()+$3::interval)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, messageTimestamp, retention.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplayLedger exposes the eventsub_messages table as a replay guard. The
// zero retention falls back to ten minutes, comfortably past the provider's
// retry window.
type ReplayLedger struct {
	DB        *sql.DB
	Retention time.Duration
}

// CheckAndMark records messageID and reports whether it was new.
func (l *ReplayLedger) CheckAndMark(ctx context.Context, messageID, messageTimestamp string) (bool, error) {
	retention := l.Retention
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return MarkEventSeen(ctx, l.DB, messageID, messageTimestamp, retention)
}

// PurgeExpiredEvents deletes ledger rows past their retention expiry. Expiry is
// advisory cleanup; duplicate suppression only needs to hold within the
// provider's retry window.
func PurgeExpiredEvents(ctx context.Context, dbx *sql.DB) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM eventsub_messages WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartReplayLedgerSweeper runs PurgeExpiredEvents periodically until ctx ends.
func StartReplayLedgerSweeper(ctx context.Context, dbx *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := PurgeExpiredEvents(ctx, dbx); err != nil && ctx.Err() == nil {
					slog.Warn("replay ledger sweep failed", slog.Any("err", err), slog.String("component", "db_replay"))
				}
			}
		}
	}()
}
