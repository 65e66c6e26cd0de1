// Package tokens keeps each channel's Twitch access token usable. It hands
// out the stored token while it is comfortably inside its lifetime, refreshes
// it otherwise, and flips the channel's NeedsReAuth flag when no automated
// refresh is possible any more.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/secrets"
	"github.com/onnwee/chatvox/backend/telemetry"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

// RefreshBuffer is how close to expiry a stored token stops being handed out.
const RefreshBuffer = 5 * time.Minute

// refreshTimeout bounds one shared refresh.
const refreshTimeout = 45 * time.Second

var (
	ErrChannelNotFound = errors.New("tokens: channel not found")
	ErrMissingIdentity = errors.New("tokens: channel has no provider user id")
	ErrReAuthRequired  = errors.New("tokens: re-authorization required")

	// Identity provider failures, re-exported so callers need only this package.
	ErrProviderConfig   = twitchapi.ErrProviderConfig
	ErrRefreshFailed    = twitchapi.ErrRefreshFailed
	ErrExchangeFailed   = twitchapi.ErrExchangeFailed
	ErrValidationFailed = twitchapi.ErrValidationFailed
)

// Provider is the identity provider surface the manager uses.
type Provider interface {
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (*twitchapi.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.TokenGrant, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
}

// Manager is safe for concurrent use. At most one refresh per channel is in
// flight; concurrent callers wait for and share its result.
type Manager struct {
	channels channels.Store
	secrets  secrets.Store
	provider Provider
	now      func() time.Time
	group    singleflight.Group
	log      *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared refresh and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the manager to its collaborators; all three are required.
func NewManager(store channels.Store, vault secrets.Store, provider Provider, opts ...Option) (*Manager, error) {
	if store == nil || vault == nil || provider == nil {
		return nil, errors.New("tokens: channel store, secret store and provider are required")
	}
	m := &Manager{
		channels: store,
		secrets:  vault,
		provider: provider,
		now:      time.Now,
		log:      slog.Default().With(slog.String("component", "tokens")),
		flights:  make(map[string]*flight),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// GetValidAccessToken returns an access token for login that is valid for at
// least RefreshBuffer, refreshing it when needed. A failed refresh flags the
// channel for re-authorization, except ErrProviderConfig (missing client
// credentials), which is returned without touching the record.
//
// Callers share one refresh per channel. It is cancelled when the last
// waiting caller gives up, but a grant already issued is always stored.
func (m *Manager) GetValidAccessToken(ctx context.Context, login string) (string, error) {
	login = channels.NormalizeLogin(login)
	rec, err := m.usableRecord(ctx, login)
	if err != nil {
		return "", err
	}
	if tok, ok := m.cachedToken(ctx, rec); ok {
		return tok, nil
	}

	fctx := m.joinFlight(ctx, login)
	defer m.leaveFlight(login, fctx)
	ch := m.group.DoChan(login, func() (any, error) {
		return m.refreshShared(fctx, login)
	})
	select {
	case res := <-ch:
		if res.Shared {
			telemetry.IncShared()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// joinFlight registers the caller as a waiter on login's refresh and returns
// the context the refresh runs under. The first waiter creates it, detached
// from its own cancellation and bounded by refreshTimeout.
func (m *Manager) joinFlight(ctx context.Context, login string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[login]
	if f == nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[login] = f
	}
	f.waiters++
	return f.ctx
}

// leaveFlight drops a waiter. The last one out cancels the refresh and makes
// the next caller start a new one instead of joining the cancelled call.
func (m *Manager) leaveFlight(login string, fctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flights[login]
	if f == nil || f.ctx != fctx {
		return
	}
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(m.flights, login)
	m.group.Forget(login)
}

// usableRecord applies the local preconditions; it never touches the network.
func (m *Manager) usableRecord(ctx context.Context, login string) (*channels.Record, error) {
	rec, err := m.channels.Get(ctx, login)
	if errors.Is(err, channels.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", login, err)
	}
	if rec.NeedsReAuth {
		return nil, fmt.Errorf("%w: %s", ErrReAuthRequired, login)
	}
	if rec.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingIdentity, login)
	}
	return rec, nil
}

// cachedToken returns the stored access token when the record says it is
// still good. A failed read is not an error; the caller refreshes instead.
func (m *Manager) cachedToken(ctx context.Context, rec *channels.Record) (string, bool) {
	if rec.AccessTokenExpiresAt == nil || rec.AccessTokenExpiresAt.Sub(m.now()) <= RefreshBuffer {
		return "", false
	}
	b, err := m.secrets.ReadLatest(ctx, secrets.AccessTokenName(rec.ProviderUserID))
	if err != nil || len(b) == 0 {
		m.log.Warn("stored access token unreadable, refreshing",
			slog.String("channel", rec.ChannelLogin), slog.Any("err", err))
		return "", false
	}
	return string(b), true
}

// refreshShared runs inside the single flight. It re-reads the record so a
// caller that lost the race to a just-finished refresh gets that result.
func (m *Manager) refreshShared(ctx context.Context, login string) (string, error) {
	rec, err := m.usableRecord(ctx, login)
	if err != nil {
		return "", err
	}
	if tok, ok := m.cachedToken(ctx, rec); ok {
		return tok, nil
	}
	return m.refresh(ctx, rec)
}

func (m *Manager) refresh(ctx context.Context, rec *channels.Record) (tok string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tokens", "tokens.refresh", rec.ChannelLogin)
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
	}()

	refreshTok, err := m.secrets.ReadLatest(ctx, secrets.RefreshTokenName(rec.ProviderUserID))
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		telemetry.ObserveRefresh("cancelled", time.Since(start))
		return "", err
	}
	if err != nil {
		telemetry.ObserveRefresh("failure", time.Since(start))
		return "", m.flagReAuth(ctx, rec, fmt.Errorf("read refresh token: %w", err))
	}
	grant, err := m.provider.Refresh(ctx, string(refreshTok))
	if errors.Is(err, ErrProviderConfig) {
		// server misconfiguration says nothing about the channel's credential
		telemetry.ObserveRefresh("provider_config", time.Since(start))
		return "", err
	}
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// every caller left; the credential was not judged
		telemetry.ObserveRefresh("cancelled", time.Since(start))
		return "", err
	}
	if err != nil {
		telemetry.ObserveRefresh("failure", time.Since(start))
		return "", m.flagReAuth(ctx, rec, err)
	}
	telemetry.ObserveRefresh("success", time.Since(start))

	// the provider rotated the refresh token; losing the new pair would
	// strand the channel, so persistence ignores cancellation
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	// secrets first: the record must never point at a token that was not stored
	if _, err := m.secrets.Write(ctx, secrets.AccessTokenName(rec.ProviderUserID), []byte(grant.AccessToken)); err != nil {
		return "", m.flagReAuth(ctx, rec, fmt.Errorf("store access token: %w", err))
	}
	if _, err := m.secrets.Write(ctx, secrets.RefreshTokenName(rec.ProviderUserID), []byte(grant.RefreshToken)); err != nil {
		return "", m.flagReAuth(ctx, rec, fmt.Errorf("store refresh token: %w", err))
	}
	exp := grant.ExpiresAt(m.now()).UTC()
	err = m.channels.Update(ctx, rec.ChannelLogin, func(r *channels.Record) error {
		r.AccessTokenExpiresAt = &exp
		r.LastTokenError = nil
		r.LastTokenErrorAt = nil
		return nil
	})
	if err != nil {
		return "", m.flagReAuth(ctx, rec, fmt.Errorf("update channel after refresh: %w", err))
	}
	m.log.Info("access token refreshed",
		slog.String("channel", rec.ChannelLogin), slog.Time("expires_at", exp))
	return grant.AccessToken, nil
}

// flagReAuth records cause on the channel, sets NeedsReAuth and returns an
// error matching both ErrReAuthRequired and cause.
func (m *Manager) flagReAuth(ctx context.Context, rec *channels.Record, cause error) error {
	msg := cause.Error()
	at := m.now().UTC()
	err := m.channels.Update(ctx, rec.ChannelLogin, func(r *channels.Record) error {
		r.NeedsReAuth = true
		r.LastTokenError = &msg
		r.LastTokenErrorAt = &at
		return nil
	})
	if err != nil {
		m.log.Error("failed to flag channel for re-auth",
			slog.String("channel", rec.ChannelLogin), slog.Any("err", err))
	}
	telemetry.IncReAuth()
	m.log.Warn("channel needs re-authorization",
		slog.String("channel", rec.ChannelLogin), slog.Any("err", cause))
	return fmt.Errorf("%w: %s: %w", ErrReAuthRequired, rec.ChannelLogin, cause)
}
