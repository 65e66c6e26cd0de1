// Package twitchapi talks to the Twitch identity provider (code exchange,
// refresh, validate) and to the Helix endpoints the add-on manages on a
// channel's behalf: custom rewards, moderators and user lookup.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/chatvox/backend/telemetry"
)

// DefaultHelixBaseURL is the Helix API root.
const DefaultHelixBaseURL = "https://api.twitch.tv/helix"

// APIError is a non-2xx Helix response.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s: %d %s", e.Endpoint, e.Status, e.Message)
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// IsUnauthorized reports a 401: the token was rejected or lacks a scope.
func IsUnauthorized(err error) bool {
	e, ok := asAPIError(err)
	return ok && e.Status == http.StatusUnauthorized
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool {
	e, ok := asAPIError(err)
	return ok && e.Status == http.StatusNotFound
}

// IsForbidden reports a 403. On reward endpoints it means the reward was
// created by a different client id and cannot be managed by this one.
func IsForbidden(err error) bool {
	e, ok := asAPIError(err)
	return ok && e.Status == http.StatusForbidden
}

// IsAlreadyPresent reports Helix refusing to add something that is already
// there (for example a user who is already a moderator).
func IsAlreadyPresent(err error) bool {
	e, ok := asAPIError(err)
	if !ok {
		return false
	}
	if e.Status == http.StatusForbidden {
		return true
	}
	return (e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity) &&
		strings.Contains(strings.ToLower(e.Message), "already")
}

// IsNotPresent reports Helix refusing to remove something that is not there.
func IsNotPresent(err error) bool {
	e, ok := asAPIError(err)
	if !ok {
		return false
	}
	if e.Status == http.StatusNotFound {
		return true
	}
	return e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Message), "not a")
}

// Reward is a channel-points custom reward as Helix reports it.
type Reward struct {
	ID                                string `json:"id"`
	Title                             string `json:"title"`
	Prompt                            string `json:"prompt"`
	Cost                              int    `json:"cost"`
	IsEnabled                         bool   `json:"is_enabled"`
	IsPaused                          bool   `json:"is_paused"`
	IsUserInputRequired               bool   `json:"is_user_input_required"`
	BackgroundColor                   string `json:"background_color"`
	ShouldRedemptionsSkipRequestQueue bool   `json:"should_redemptions_skip_request_queue"`
	GlobalCooldownSetting             struct {
		IsEnabled             bool `json:"is_enabled"`
		GlobalCooldownSeconds int  `json:"global_cooldown_seconds"`
	} `json:"global_cooldown_setting"`
}

// RewardSpec is the create/update body. Pointer fields are omitted when nil
// so an update only touches what the caller set; a non-nil empty Prompt
// clears the remote one. An empty BackgroundColor keeps Twitch's color.
type RewardSpec struct {
	Title                             string  `json:"title"`
	Prompt                            *string `json:"prompt,omitempty"`
	Cost                              int     `json:"cost"`
	IsEnabled                         *bool   `json:"is_enabled,omitempty"`
	IsUserInputRequired               *bool   `json:"is_user_input_required,omitempty"`
	BackgroundColor                   string  `json:"background_color,omitempty"`
	ShouldRedemptionsSkipRequestQueue *bool   `json:"should_redemptions_skip_request_queue,omitempty"`
	IsGlobalCooldownEnabled           *bool   `json:"is_global_cooldown_enabled,omitempty"`
	GlobalCooldownSeconds             int     `json:"global_cooldown_seconds,omitempty"`
}

// HelixClient wraps the Helix endpoints. User-scoped calls take the
// channel's access token; GetUserID uses the app token.
type HelixClient struct {
	AppTokenSource *AppTokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixBaseURL
}

// do sends one Helix request and decodes a 2xx JSON body into out (if non-nil).
func (hc *HelixClient) do(ctx context.Context, endpoint, method, path string, q url.Values, token string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.baseURL() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.ObserveHelix(endpoint, 0, time.Since(start))
		return fmt.Errorf("helix %s: %w", endpoint, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.ObserveHelix(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && (e.Message != "" || e.Error != "") {
			msg = e.Message
			if msg == "" {
				msg = e.Error
			}
		}
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("helix %s: decode: %w", endpoint, err)
	}
	return nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	if hc.AppTokenSource == nil {
		return "", ErrProviderConfig
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return "", err
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, "users", http.MethodGet, "/users", url.Values{"login": {login}}, tok, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

type rewardsEnvelope struct {
	Data []Reward `json:"data"`
}

// ListRewards lists custom rewards on the channel. With onlyManageable set,
// Helix returns only rewards this client id created.
func (hc *HelixClient) ListRewards(ctx context.Context, token, broadcasterID string, onlyManageable bool) ([]Reward, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}}
	if onlyManageable {
		q.Set("only_manageable_rewards", "true")
	}
	var body rewardsEnvelope
	if err := hc.do(ctx, "rewards.list", http.MethodGet, "/channel_points/custom_rewards", q, token, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// CreateReward creates a custom reward and returns it with its new id.
func (hc *HelixClient) CreateReward(ctx context.Context, token, broadcasterID string, spec RewardSpec) (*Reward, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}}
	var body rewardsEnvelope
	if err := hc.do(ctx, "rewards.create", http.MethodPost, "/channel_points/custom_rewards", q, token, spec, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix rewards.create: empty response")
	}
	return &body.Data[0], nil
}

// UpdateReward patches an existing reward.
func (hc *HelixClient) UpdateReward(ctx context.Context, token, broadcasterID, rewardID string, spec RewardSpec) (*Reward, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}, "id": {rewardID}}
	var body rewardsEnvelope
	if err := hc.do(ctx, "rewards.update", http.MethodPatch, "/channel_points/custom_rewards", q, token, spec, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix rewards.update: empty response")
	}
	return &body.Data[0], nil
}

// DeleteReward removes a reward this client id created.
func (hc *HelixClient) DeleteReward(ctx context.Context, token, broadcasterID, rewardID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "id": {rewardID}}
	return hc.do(ctx, "rewards.delete", http.MethodDelete, "/channel_points/custom_rewards", q, token, nil, nil)
}

// AddModerator grants moderator to userID in the broadcaster's channel.
func (hc *HelixClient) AddModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, "moderators.add", http.MethodPost, "/moderation/moderators", q, token, nil, nil)
}

// RemoveModerator revokes moderator from userID.
func (hc *HelixClient) RemoveModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, "moderators.remove", http.MethodDelete, "/moderation/moderators", q, token, nil, nil)
}
