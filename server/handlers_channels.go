package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/prefs"
	"github.com/onnwee/chatvox/backend/reconcile"
)

type channelStatus struct {
	Login                string     `json:"login"`
	UserID               string     `json:"userId,omitempty"`
	Tier                 string     `json:"tier"`
	NeedsReAuth          bool       `json:"needsReAuth"`
	LastTokenError       *string    `json:"lastTokenError,omitempty"`
	LastTokenErrorAt     *time.Time `json:"lastTokenErrorAt,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
	Scopes               []string   `json:"scopes"`
	RewardID             *string    `json:"rewardId,omitempty"`
	RewardDisabled       bool       `json:"rewardDisabled"`
	OverlayConfigured    bool       `json:"overlayConfigured"`
	BotEnabled           bool       `json:"botEnabled"`
}

func statusOf(rec *channels.Record) channelStatus {
	scopes := rec.GrantedScopes
	if scopes == nil {
		scopes = []string{}
	}
	return channelStatus{
		Login:                rec.ChannelLogin,
		UserID:               rec.ProviderUserID,
		Tier:                 string(rec.OAuthTier),
		NeedsReAuth:          rec.NeedsReAuth,
		LastTokenError:       rec.LastTokenError,
		LastTokenErrorAt:     rec.LastTokenErrorAt,
		AccessTokenExpiresAt: rec.AccessTokenExpiresAt,
		Scopes:               scopes,
		RewardID:             rec.ResourceRefs.RewardID,
		RewardDisabled:       rec.RewardDisabled,
		OverlayConfigured:    rec.ResourceRefs.OverlaySecretRef != nil,
		BotEnabled:           rec.BotEnabled,
	}
}

type resultBody struct {
	Status     reconcile.Status `json:"status"`
	ResourceID string           `json:"resourceId"`
}

func resultOf(res reconcile.Result) resultBody {
	return resultBody{Status: res.Status, ResourceID: res.ResourceID}
}

// HandleChannelStatus returns the stored state of one channel.
func (h *Handlers) HandleChannelStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.channels.Get(r.Context(), r.PathValue("login"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(rec))
}

// HandleChannelValidate checks the channel's token with the provider and
// refreshes the stored scopes.
func (h *Handlers) HandleChannelValidate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tokens.ValidateChannel(r.Context(), r.PathValue("login"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(rec))
}

// HandleBotActivate makes the bot a moderator and joins its chat.
func (h *Handlers) HandleBotActivate(w http.ResponseWriter, r *http.Request) {
	res, err := h.resources.ActivateBot(r.Context(), r.PathValue("login"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOf(res))
}

// HandleBotDeactivate removes the bot's moderator grant and leaves chat.
func (h *Handlers) HandleBotDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.resources.DeactivateBot(r.Context(), r.PathValue("login")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// defaultReward is the desired reward when the request carries no body.
func (h *Handlers) defaultReward() reconcile.RewardSpec {
	return reconcile.RewardSpec{
		Title:             h.cfg.RewardTitle,
		Prompt:            h.cfg.RewardPrompt,
		Cost:              h.cfg.RewardCost,
		Enabled:           true,
		UserInputRequired: true,
	}
}

// HandleRewardPut converges the managed reward. The JSON body overrides the
// configured defaults field by field.
func (h *Handlers) HandleRewardPut(w http.ResponseWriter, r *http.Request) {
	spec := h.defaultReward()
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &spec); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	res, err := h.resources.Reconcile(r.Context(), r.PathValue("login"), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOf(res))
}

// HandleRewardDelete removes the managed reward.
func (h *Handlers) HandleRewardDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.resources.DeleteReward(r.Context(), r.PathValue("login")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overlayBody struct {
	resultBody
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (h *Handlers) overlayResponse(w http.ResponseWriter, login string, ov reconcile.Overlay) {
	writeJSON(w, http.StatusOK, overlayBody{
		resultBody: resultOf(ov.Result),
		Token:      ov.Token,
		URL:        h.cfg.PublicBaseURL + "/overlay/" + channels.NormalizeLogin(login) + "?token=" + ov.Token,
	})
}

// HandleOverlayEnsure returns the overlay token, creating it when needed.
func (h *Handlers) HandleOverlayEnsure(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	ov, err := h.resources.EnsureOverlay(r.Context(), login)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.overlayResponse(w, login, ov)
}

// HandleOverlayRotate replaces the overlay token; the old one stops working.
func (h *Handlers) HandleOverlayRotate(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	ov, err := h.resources.RotateOverlay(r.Context(), login)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.overlayResponse(w, login, ov)
}

// HandleOverlay authenticates an overlay browser source and returns the
// channel's default voice settings.
func (h *Handlers) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	if err := h.resources.ResolveOverlay(r.Context(), login, r.URL.Query().Get("token")); err != nil {
		writeError(w, r, err)
		return
	}
	eff, err := prefs.Resolve(r.Context(), h.prefs, login, prefs.ChannelDefaultsKey, prefs.Pref{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channels.NormalizeLogin(login), "defaults": eff})
}
