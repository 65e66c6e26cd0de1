// Package reconcile converges remote resources owned on a channel's behalf
// (the managed channel-points reward, the overlay secret, the bot's moderator
// grant) toward a locally declared desired state and caches their identity
// in the channel record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/secrets"
	"github.com/onnwee/chatvox/backend/telemetry"
	"github.com/onnwee/chatvox/backend/tokens"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

var (
	// ErrAuthorizationInsufficient means Helix rejected the channel's token
	// for this operation (401) or the channel's tier does not allow it.
	// Refreshing will not help; the channel must grant broader consent.
	ErrAuthorizationInsufficient = errors.New("reconcile: authorization insufficient")
	// ErrReconciliationFailed means the final step could not converge.
	ErrReconciliationFailed = errors.New("reconcile: reconciliation failed")
	// ErrInvalidReward rejects a desired state Helix would refuse anyway.
	ErrInvalidReward = errors.New("reconcile: invalid reward")
	// ErrOverlayDenied means a presented overlay token does not match.
	ErrOverlayDenied = errors.New("reconcile: overlay token denied")
	// ErrBotNotConfigured means no bot account login is configured.
	ErrBotNotConfigured = errors.New("reconcile: bot account not configured")
)

// Status says which branch produced a Result.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusReused  Status = "reused"
)

// Result identifies the remote object a reconciliation settled on.
type Result struct {
	Status     Status
	ResourceID string
}

// TokenSource hands out a usable access token for a channel.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, login string) (string, error)
}

// RewardAPI is the Helix custom-reward surface.
type RewardAPI interface {
	ListRewards(ctx context.Context, token, broadcasterID string, onlyManageable bool) ([]twitchapi.Reward, error)
	CreateReward(ctx context.Context, token, broadcasterID string, spec twitchapi.RewardSpec) (*twitchapi.Reward, error)
	UpdateReward(ctx context.Context, token, broadcasterID, rewardID string, spec twitchapi.RewardSpec) (*twitchapi.Reward, error)
	DeleteReward(ctx context.Context, token, broadcasterID, rewardID string) error
}

// ModeratorAPI is the Helix moderator and user-lookup surface.
type ModeratorAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	AddModerator(ctx context.Context, token, broadcasterID, userID string) error
	RemoveModerator(ctx context.Context, token, broadcasterID, userID string) error
}

// Chat is the bot's chat presence.
type Chat interface {
	Join(login string)
	Depart(login string)
}

// Deps are the Reconciler's collaborators. Chat and BotLogin are optional;
// without BotLogin the bot operations fail with ErrBotNotConfigured.
type Deps struct {
	Tokens     TokenSource
	Channels   channels.Store
	Secrets    secrets.Store
	Rewards    RewardAPI
	Moderators ModeratorAPI
	Chat       Chat
	BotLogin   string
}

// Reconciler is safe for concurrent use. It takes no per-channel locks;
// a racing duplicate is adopted by the next reconciliation's search.
type Reconciler struct {
	tokens   TokenSource
	channels channels.Store
	secrets  secrets.Store
	rewards  RewardAPI
	mods     ModeratorAPI
	chat     Chat
	botLogin string

	mu    sync.Mutex
	botID string

	log *slog.Logger
}

// New validates d and returns a Reconciler.
func New(d Deps) (*Reconciler, error) {
	if d.Tokens == nil || d.Channels == nil || d.Secrets == nil || d.Rewards == nil || d.Moderators == nil {
		return nil, errors.New("reconcile: tokens, channels, secrets, rewards and moderators are required")
	}
	return &Reconciler{
		tokens:   d.Tokens,
		channels: d.Channels,
		secrets:  d.Secrets,
		rewards:  d.Rewards,
		mods:     d.Moderators,
		chat:     d.Chat,
		botLogin: channels.NormalizeLogin(d.BotLogin),
		log:      slog.Default().With(slog.String("component", "reconcile")),
	}, nil
}

// loadChannel reads the record and maps a miss to tokens.ErrChannelNotFound
// so callers see one not-found error regardless of which step noticed.
func (r *Reconciler) loadChannel(ctx context.Context, login string) (*channels.Record, error) {
	rec, err := r.channels.Get(ctx, login)
	if errors.Is(err, channels.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", tokens.ErrChannelNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", login, err)
	}
	if rec.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: %s", tokens.ErrMissingIdentity, login)
	}
	return rec, nil
}

// session obtains a token first, so a channel needing re-auth fails before
// any remote call, then loads the record.
func (r *Reconciler) session(ctx context.Context, login string) (string, *channels.Record, error) {
	tok, err := r.tokens.GetValidAccessToken(ctx, login)
	if err != nil {
		return "", nil, err
	}
	rec, err := r.loadChannel(ctx, login)
	if err != nil {
		return "", nil, err
	}
	return tok, rec, nil
}

func insufficient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAuthorizationInsufficient, op, err)
}

func (r *Reconciler) count(kind string, status Status, err error) {
	if err != nil {
		telemetry.IncReconcile(kind, "failed")
		return
	}
	telemetry.IncReconcile(kind, string(status))
}
