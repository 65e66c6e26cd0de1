// Package channels holds the per-channel record: OAuth metadata, health flags
// and references to the remote resources reconciled for the channel.
//
// Only the token manager and the reconciler mutate NeedsReAuth,
// AccessTokenExpiresAt and ResourceRefs.
package channels

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when no record exists for a login.
var ErrNotFound = errors.New("channels: record not found")

// ModeratorScope is the grant that puts a channel on the full tier.
const ModeratorScope = "channel:manage:moderators"

// Tier is the class of scopes a channel granted.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFull      Tier = "full"
)

// ResourceRefs caches the identity of remote objects reconciled for a channel.
type ResourceRefs struct {
	RewardID         *string
	OverlaySecretRef *string
}

// Record is one onboarded channel, keyed by lowercase login.
type Record struct {
	ChannelLogin         string
	ProviderUserID       string
	AccessTokenExpiresAt *time.Time
	NeedsReAuth          bool
	LastTokenError       *string
	LastTokenErrorAt     *time.Time
	OAuthTier            Tier
	GrantedScopes        []string
	ResourceRefs         ResourceRefs
	// RewardDisabled marks a reward whose remote delete was not confirmed.
	RewardDisabled bool
	BotEnabled     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the channel record persistence used by the core components.
type Store interface {
	Get(ctx context.Context, login string) (*Record, error)
	// Upsert writes the whole record, creating it when missing.
	Upsert(ctx context.Context, rec *Record) error
	// Update loads the record, applies fn and persists what fn changed.
	// It returns ErrNotFound when the record does not exist; an error from fn
	// aborts the write.
	Update(ctx context.Context, login string, fn func(*Record) error) error
	// ListBotEnabled returns the logins with BotEnabled set.
	ListBotEnabled(ctx context.Context) ([]string, error)
}

// NormalizeLogin lowercases and trims a channel login.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// NormalizeScopes returns scopes as a sorted set.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// TierForScopes derives the tier from the scopes actually granted.
func TierForScopes(granted []string) Tier {
	if slices.Contains(granted, ModeratorScope) {
		return TierFull
	}
	return TierAnonymous
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.AccessTokenExpiresAt = clonePtr(r.AccessTokenExpiresAt)
	c.LastTokenError = clonePtr(r.LastTokenError)
	c.LastTokenErrorAt = clonePtr(r.LastTokenErrorAt)
	c.ResourceRefs.RewardID = clonePtr(r.ResourceRefs.RewardID)
	c.ResourceRefs.OverlaySecretRef = clonePtr(r.ResourceRefs.OverlaySecretRef)
	c.GrantedScopes = slices.Clone(r.GrantedScopes)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
