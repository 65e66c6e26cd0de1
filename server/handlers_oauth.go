package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/chatvox/backend/telemetry"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateOAuthReady(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oauth_not_configured"})
		return
	}
	st, err := newState()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state_generation"})
		return
	}
	if err := h.states.Save(r.Context(), st, stateTTL); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("save oauth state", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retry"})
		return
	}
	authURL, err := h.auth.AuthorizeURL(h.cfg.TwitchRedirectURI, st, h.cfg.TwitchScopes)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "oauth_not_configured"})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback validates state and completes the authorization,
// which stores the tokens and (re)creates the channel record.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "consent_denied", "message": q.Get("error_description")})
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "missing code/state"})
		return
	}
	ok, err := h.states.Consume(r.Context(), st)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("consume oauth state", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retry"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_state"})
		return
	}
	rec, err := h.tokens.CompleteAuthorization(r.Context(), code, h.cfg.TwitchRedirectURI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("channel authorized",
		slog.String("channel", rec.ChannelLogin), slog.String("tier", string(rec.OAuthTier)))
	writeJSON(w, http.StatusOK, statusOf(rec))
}
