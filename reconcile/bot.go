package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

// botUserID resolves and caches the bot account's user id.
func (r *Reconciler) botUserID(ctx context.Context) (string, error) {
	if r.botLogin == "" {
		return "", ErrBotNotConfigured
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.botID != "" {
		return r.botID, nil
	}
	id, err := r.mods.GetUserID(ctx, r.botLogin)
	if err != nil {
		return "", fmt.Errorf("resolve bot user %s: %w", r.botLogin, err)
	}
	r.botID = id
	return id, nil
}

// ActivateBot makes the bot a moderator of the channel, marks the channel
// bot-enabled and joins its chat. A channel on the anonymous tier never
// granted the moderator scope and is rejected without a remote call.
func (r *Reconciler) ActivateBot(ctx context.Context, login string) (res Result, err error) {
	login = channels.NormalizeLogin(login)
	defer func() { r.count("bot", res.Status, err) }()

	botID, err := r.botUserID(ctx)
	if err != nil {
		return Result{}, err
	}
	tok, rec, err := r.session(ctx, login)
	if err != nil {
		return Result{}, err
	}
	if rec.OAuthTier != channels.TierFull {
		return Result{}, fmt.Errorf("%w: channel %s has not granted %s", ErrAuthorizationInsufficient, login, channels.ModeratorScope)
	}

	status := StatusCreated
	if rec.ProviderUserID == botID {
		status = StatusReused
	} else if err := r.mods.AddModerator(ctx, tok, rec.ProviderUserID, botID); err != nil {
		switch {
		case twitchapi.IsUnauthorized(err):
			return Result{}, insufficient("add moderator", err)
		case twitchapi.IsAlreadyPresent(err):
			status = StatusReused
		default:
			return Result{}, fmt.Errorf("%w: add moderator: %w", ErrReconciliationFailed, err)
		}
	}

	if err := r.channels.Update(ctx, login, func(c *channels.Record) error {
		c.BotEnabled = true
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("enable bot for %s: %w", login, err)
	}
	if r.chat != nil {
		r.chat.Join(login)
	}
	r.log.Info("bot activated", slog.String("channel", login), slog.String("status", string(status)))
	return Result{Status: status, ResourceID: botID}, nil
}

// DeactivateBot revokes the bot's moderator grant, clears BotEnabled and
// leaves the channel's chat. A bot that is already not a moderator counts
// as revoked.
func (r *Reconciler) DeactivateBot(ctx context.Context, login string) (err error) {
	login = channels.NormalizeLogin(login)
	defer func() { r.count("bot_remove", "deleted", err) }()

	botID, err := r.botUserID(ctx)
	if err != nil {
		return err
	}
	tok, rec, err := r.session(ctx, login)
	if err != nil {
		return err
	}
	if rec.ProviderUserID != botID {
		if err := r.mods.RemoveModerator(ctx, tok, rec.ProviderUserID, botID); err != nil {
			switch {
			case twitchapi.IsUnauthorized(err):
				return insufficient("remove moderator", err)
			case twitchapi.IsNotPresent(err):
			default:
				return fmt.Errorf("%w: remove moderator: %w", ErrReconciliationFailed, err)
			}
		}
	}
	if err := r.channels.Update(ctx, login, func(c *channels.Record) error {
		c.BotEnabled = false
		return nil
	}); err != nil {
		return fmt.Errorf("disable bot for %s: %w", login, err)
	}
	if r.chat != nil {
		r.chat.Depart(login)
	}
	r.log.Info("bot deactivated", slog.String("channel", login))
	return nil
}
