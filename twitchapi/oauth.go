package twitchapi

import (
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

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every identity provider call.
const DefaultTimeout = 15 * time.Second

// DefaultIDBaseURL is the Twitch identity host.
const DefaultIDBaseURL = "https://id.twitch.tv"

var (
	// ErrProviderConfig means client id/secret are missing; no call was made.
	ErrProviderConfig = errors.New("twitchapi: client credentials not configured")
	// ErrExchangeFailed covers a rejected or malformed authorization-code exchange.
	ErrExchangeFailed = errors.New("twitchapi: authorization code exchange failed")
	// ErrRefreshFailed covers a rejected or malformed refresh grant.
	ErrRefreshFailed = errors.New("twitchapi: token refresh failed")
	// ErrValidationFailed covers a non-2xx or malformed validate response.
	ErrValidationFailed = errors.New("twitchapi: token validation failed")
)

// TokenGrant is the token endpoint's reply to a code or refresh grant.
type TokenGrant struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ExpiresAt returns the absolute expiry relative to now, defaulting to +60m
// when the provider did not say.
func (g *TokenGrant) ExpiresAt(now time.Time) time.Time {
	if g.ExpiresIn <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// Validation is the /oauth2/validate reply.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

// Client performs the three identity provider calls. It holds no token state.
type Client struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// IDBaseURL overrides DefaultIDBaseURL (tests, proxies).
	IDBaseURL string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.IDBaseURL != "" {
		return strings.TrimRight(c.IDBaseURL, "/")
	}
	return DefaultIDBaseURL
}

// Configured reports whether client credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != ""
}

func (c *Client) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL() + "/oauth2/authorize",
			TokenURL:  c.baseURL() + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizeURL builds the consent URL for the authorization-code flow.
func (c *Client) AuthorizeURL(redirectURI, state string, scopes []string) (string, error) {
	if c.ClientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return c.oauthConfig(redirectURI, scopes).AuthCodeURL(state), nil
}

// ExchangeAuthorizationCode trades a consent code for a token pair.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*TokenGrant, error) {
	if !c.Configured() {
		return nil, ErrProviderConfig
	}
	if code == "" || redirectURI == "" {
		return nil, fmt.Errorf("%w: missing code or redirect uri", ErrExchangeFailed)
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	return c.tokenGrant(ctx, form, ErrExchangeFailed)
}

// Refresh redeems a refresh token. Twitch rotates refresh tokens, so the
// reply must carry both tokens; anything less is treated as malformed.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if !c.Configured() {
		return nil, ErrProviderConfig
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrRefreshFailed)
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenGrant(ctx, form, ErrRefreshFailed)
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values, kind error) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s: %s", kind, resp.Status, strings.TrimSpace(string(b)))
	}
	var res TokenGrant
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", kind, err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		return nil, fmt.Errorf("%w: response missing access or refresh token", kind)
	}
	return &res, nil
}

// Validate asks the provider who a token belongs to and what it grants.
func (c *Client) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrValidationFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, resp.Status)
	}
	var v Validation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrValidationFailed, err)
	}
	if v.UserID == "" || v.Login == "" {
		return nil, fmt.Errorf("%w: response missing user_id or login", ErrValidationFailed)
	}
	return &v, nil
}
