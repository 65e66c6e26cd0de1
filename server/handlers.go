// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/config"
	"github.com/onnwee/chatvox/backend/prefs"
	"github.com/onnwee/chatvox/backend/reconcile"
	"github.com/onnwee/chatvox/backend/telemetry"
	"github.com/onnwee/chatvox/backend/tokens"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Authorizer builds the provider consent URL.
type Authorizer interface {
	AuthorizeURL(redirectURI, state string, scopes []string) (string, error)
}

// TokenService is the part of the token manager the routes call.
type TokenService interface {
	CompleteAuthorization(ctx context.Context, code, redirectURI string) (*channels.Record, error)
	ValidateChannel(ctx context.Context, login string) (*channels.Record, error)
}

// ResourceService is the part of the reconciler the routes call.
type ResourceService interface {
	Reconcile(ctx context.Context, login string, desired reconcile.RewardSpec) (reconcile.Result, error)
	DeleteReward(ctx context.Context, login string) error
	ActivateBot(ctx context.Context, login string) (reconcile.Result, error)
	DeactivateBot(ctx context.Context, login string) error
	EnsureOverlay(ctx context.Context, login string) (reconcile.Overlay, error)
	RotateOverlay(ctx context.Context, login string) (reconcile.Overlay, error)
	ResolveOverlay(ctx context.Context, login, presented string) error
}

// Check is one readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Config    *config.Config
	Auth      Authorizer
	Tokens    TokenService
	Resources ResourceService
	Channels  channels.Store
	Prefs     prefs.Store
	States    StateStore
	Checks    []Check
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg       *config.Config
	auth      Authorizer
	tokens    TokenService
	resources ResourceService
	channels  channels.Store
	prefs     prefs.Store
	states    StateStore
	checks    []Check
}

// NewHandlers validates d and returns the route handlers.
func NewHandlers(d Deps) (*Handlers, error) {
	if d.Config == nil || d.Auth == nil || d.Tokens == nil || d.Resources == nil || d.Channels == nil || d.Prefs == nil || d.States == nil {
		return nil, errors.New("server: config, auth, tokens, resources, channels, prefs and states are required")
	}
	return &Handlers{
		cfg:       d.Config,
		auth:      d.Auth,
		tokens:    d.Tokens,
		resources: d.Resources,
		channels:  d.Channels,
		prefs:     d.Prefs,
		states:    d.States,
		checks:    d.Checks,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// errorStatus maps core errors to a status and a stable error code. A
// channel that must reconnect is never reported as a plain failure.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tokens.ErrReAuthRequired), errors.Is(err, tokens.ErrMissingIdentity):
		return http.StatusUnauthorized, "reauth_required"
	case errors.Is(err, reconcile.ErrAuthorizationInsufficient):
		return http.StatusForbidden, "insufficient_scope"
	case errors.Is(err, reconcile.ErrOverlayDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, tokens.ErrChannelNotFound), errors.Is(err, channels.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reconcile.ErrInvalidReward), errors.Is(err, prefs.ErrInvalid):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, reconcile.ErrBotNotConfigured):
		return http.StatusServiceUnavailable, "bot_not_configured"
	case errors.Is(err, tokens.ErrProviderConfig):
		return http.StatusInternalServerError, "retry"
	default:
		return http.StatusBadGateway, "retry"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	log := telemetry.LoggerWithCorr(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	} else {
		log.Info("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	}
	body := map[string]string{"error": code}
	if status == http.StatusBadRequest {
		body["message"] = err.Error()
	}
	writeJSON(w, status, body)
}
