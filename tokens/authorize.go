package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/secrets"
)

// CompleteAuthorization finishes the authorization-code flow: it exchanges
// code, learns who granted it, stores both tokens and writes a healthy
// channel record. It is the only operation that clears NeedsReAuth.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, redirectURI string) (*channels.Record, error) {
	grant, err := m.provider.ExchangeAuthorizationCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	who, err := m.provider.Validate(ctx, grant.AccessToken)
	if err != nil {
		return nil, err
	}
	login := channels.NormalizeLogin(who.Login)
	scopes := grant.Scope
	if len(scopes) == 0 {
		scopes = who.Scopes
	}
	scopes = channels.NormalizeScopes(scopes)

	if _, err := secrets.CreateAndWrite(ctx, m.secrets, secrets.AccessTokenName(who.UserID), []byte(grant.AccessToken)); err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}
	if _, err := secrets.CreateAndWrite(ctx, m.secrets, secrets.RefreshTokenName(who.UserID), []byte(grant.RefreshToken)); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	rec, err := m.channels.Get(ctx, login)
	switch {
	case errors.Is(err, channels.ErrNotFound):
		rec = &channels.Record{ChannelLogin: login}
	case err != nil:
		return nil, fmt.Errorf("load channel %s: %w", login, err)
	}
	exp := grant.ExpiresAt(m.now()).UTC()
	rec.ProviderUserID = who.UserID
	rec.AccessTokenExpiresAt = &exp
	rec.NeedsReAuth = false
	rec.LastTokenError = nil
	rec.LastTokenErrorAt = nil
	rec.GrantedScopes = scopes
	rec.OAuthTier = channels.TierForScopes(scopes)
	if err := m.channels.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("save channel %s: %w", login, err)
	}
	m.log.Info("channel authorized",
		slog.String("channel", login),
		slog.String("tier", string(rec.OAuthTier)),
		slog.Int("scopes", len(scopes)))
	return m.channels.Get(ctx, login)
}

// ValidateChannel checks the current token against the provider and brings
// GrantedScopes and OAuthTier in line with what is actually granted. A token
// that belongs to a different user flags the channel for re-authorization.
func (m *Manager) ValidateChannel(ctx context.Context, login string) (*channels.Record, error) {
	login = channels.NormalizeLogin(login)
	tok, err := m.GetValidAccessToken(ctx, login)
	if err != nil {
		return nil, err
	}
	who, err := m.provider.Validate(ctx, tok)
	if err != nil {
		return nil, err
	}
	rec, err := m.channels.Get(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", login, err)
	}
	if who.UserID != rec.ProviderUserID {
		return nil, m.flagReAuth(ctx, rec, fmt.Errorf("token belongs to user %s, channel is %s", who.UserID, rec.ProviderUserID))
	}
	scopes := channels.NormalizeScopes(who.Scopes)
	tier := channels.TierForScopes(scopes)
	if slices.Equal(scopes, rec.GrantedScopes) && tier == rec.OAuthTier {
		return rec, nil
	}
	err = m.channels.Update(ctx, login, func(r *channels.Record) error {
		r.GrantedScopes = scopes
		r.OAuthTier = tier
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update channel scopes: %w", err)
	}
	m.log.Info("granted scopes changed",
		slog.String("channel", login),
		slog.String("tier", string(tier)))
	return m.channels.Get(ctx, login)
}
