// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookDeliveries    prometheus.Counter
	WebhookDuplicates    prometheus.Counter
	WebhookRejected      prometheus.Counter
	NotificationsDecoded prometheus.Counter
	CommandsDispatched   prometheus.Counter
	RepliesSent          prometheus.Counter
	SendFailures         prometheus.Counter
	TokenRefreshes       prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
	ActiveBotsGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookDeliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_webhook_deliveries_total", Help: "Webhook deliveries accepted (including duplicates)"})
		WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_webhook_duplicates_total", Help: "Webhook deliveries suppressed as replays"})
		WebhookRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_webhook_rejected_total", Help: "Webhook deliveries rejected at the boundary (400/403)"})
		NotificationsDecoded = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_notifications_decoded_total", Help: "Notifications decoded and handed to dispatch (both transports)"})
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Chat commands resolved and executed"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_replies_sent_total", Help: "Chat replies sent successfully"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_send_failures_total", Help: "Chat send attempts that failed"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "Successful refresh-token exchanges"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_dispatch_duration_seconds", Help: "Chat event dispatch duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_active_sessions", Help: "Open EventSub websocket sessions"})
		ActiveBotsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_active_identities", Help: "Bot identities that started successfully"})
	})
}

// IncCounter guards against use before Init in tests.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddGauge adjusts a gauge if registered.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
