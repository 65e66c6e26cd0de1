package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token for app-scoped Helix calls such as user lookup.
// NOTE: This token cannot act on behalf of a channel; reward and moderator
// calls need the channel's user token from the token manager.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	IDBaseURL    string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

const appTokenBuffer = 60 * time.Second

// Get returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenBuffer {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.fetch(ctx)
}

// SetToken seeds the cache; used by tests and warm starts.
func (ts *AppTokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

func (ts *AppTokenSource) fetch(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenBuffer {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", ErrProviderConfig
	}
	base := ts.IDBaseURL
	if base == "" {
		base = DefaultIDBaseURL
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     base + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.expiresAt.IsZero() {
		ts.expiresAt = time.Now().Add(time.Hour)
	}
	return ts.token, nil
}
