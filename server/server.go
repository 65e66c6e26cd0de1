// Package server exposes the HTTP API: OAuth onboarding, per-channel resource
// routes, overlay authentication, viewer TTS preferences, health and metrics.
// It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/chatvox/backend/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	limiter := newIPRateLimiter(ctx, h.cfg.RateLimitRPS, h.cfg.RateLimitBurst)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/channels/{login}", h.HandleChannelStatus)
	api.HandleFunc("POST /api/channels/{login}/validate", h.HandleChannelValidate)
	api.HandleFunc("POST /api/channels/{login}/bot", h.HandleBotActivate)
	api.HandleFunc("DELETE /api/channels/{login}/bot", h.HandleBotDeactivate)
	api.HandleFunc("PUT /api/channels/{login}/reward", h.HandleRewardPut)
	api.HandleFunc("DELETE /api/channels/{login}/reward", h.HandleRewardDelete)
	api.HandleFunc("POST /api/channels/{login}/overlay", h.HandleOverlayEnsure)
	api.HandleFunc("POST /api/channels/{login}/overlay/rotate", h.HandleOverlayRotate)
	api.HandleFunc("GET /api/channels/{login}/tts/{viewer}", h.HandleTTSGet)
	api.HandleFunc("PUT /api/channels/{login}/tts/{viewer}", h.HandleTTSPut)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.Handle("GET /auth/twitch/start", rateLimitMiddleware(http.HandlerFunc(h.HandleTwitchOAuthStart), limiter))
	mux.Handle("GET /auth/twitch/callback", rateLimitMiddleware(http.HandlerFunc(h.HandleTwitchOAuthCallback), limiter))
	mux.Handle("GET /overlay/{login}", rateLimitMiddleware(http.HandlerFunc(h.HandleOverlay), limiter))
	mux.Handle("/api/", adminAuth(rateLimitMiddleware(api, limiter), h.cfg.AdminToken))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path, "",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
	})
	return withCORS(handler, h.cfg.CORSOrigins)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
