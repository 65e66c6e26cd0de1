// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes       *prometheus.CounterVec // result=success|failure|provider_config
	TokenRefreshShared   prometheus.Counter
	ReAuthFlagged        prometheus.Counter
	Reconciliations      *prometheus.CounterVec // kind, status
	OverlayResolveFailed prometheus.Counter

	// Histograms (seconds)
	TokenRefreshDuration prometheus.Observer
	HelixRequestDuration *prometheus.HistogramVec // endpoint, code

	// Gauges
	BotChannelsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatvox_token_refreshes_total", Help: "Provider refresh attempts by result"}, []string{"result"})
		TokenRefreshShared = promauto.NewCounter(prometheus.CounterOpts{Name: "chatvox_token_refresh_shared_total", Help: "Callers that joined an in-flight refresh instead of starting one"})
		ReAuthFlagged = promauto.NewCounter(prometheus.CounterOpts{Name: "chatvox_reauth_flagged_total", Help: "Channels flagged as needing re-authorization"})
		Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatvox_reconciliations_total", Help: "Reconciliation outcomes by resource kind"}, []string{"kind", "status"})
		OverlayResolveFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatvox_overlay_resolve_failed_total", Help: "Overlay requests rejected for a bad or missing secret"})
		TokenRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatvox_token_refresh_duration_seconds", Help: "Provider refresh round trip seconds", Buckets: prometheus.DefBuckets})
		HelixRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatvox_helix_request_duration_seconds", Help: "Helix request seconds by endpoint and status", Buckets: prometheus.DefBuckets}, []string{"endpoint", "code"})
		BotChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatvox_bot_channels", Help: "Channels the chat bot is currently joined to"})
	})
}

// ObserveRefresh records one provider refresh attempt.
func ObserveRefresh(result string, d time.Duration) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
	if TokenRefreshDuration != nil {
		TokenRefreshDuration.Observe(d.Seconds())
	}
}

// IncShared counts a caller served by another caller's refresh.
func IncShared() {
	if TokenRefreshShared != nil {
		TokenRefreshShared.Inc()
	}
}

// IncReAuth counts a NeedsReAuth flip.
func IncReAuth() {
	if ReAuthFlagged != nil {
		ReAuthFlagged.Inc()
	}
}

// IncReconcile counts one reconciliation outcome.
func IncReconcile(kind, status string) {
	if Reconciliations != nil {
		Reconciliations.WithLabelValues(kind, status).Inc()
	}
}

// IncOverlayResolveFailed counts a rejected overlay lookup.
func IncOverlayResolveFailed() {
	if OverlayResolveFailed != nil {
		OverlayResolveFailed.Inc()
	}
}

// ObserveHelix records a Helix round trip; code 0 means transport error.
func ObserveHelix(endpoint string, code int, d time.Duration) {
	if HelixRequestDuration != nil {
		HelixRequestDuration.WithLabelValues(endpoint, strconv.Itoa(code)).Observe(d.Seconds())
	}
}

// SetBotChannels records how many channels the bot is in.
func SetBotChannels(n int) {
	if BotChannelsGauge != nil {
		BotChannelsGauge.Set(float64(n))
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

// WithCorrelation returns a new context carrying the correlation id.
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
