package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/telemetry"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

// RewardSpec is the desired state of the managed reward. Title is its
// identifying field when no id is cached.
type RewardSpec struct {
	Title                 string `json:"title"`
	Prompt                string `json:"prompt"`
	Cost                  int    `json:"cost"`
	Enabled               bool   `json:"enabled"`
	UserInputRequired     bool   `json:"userInputRequired"`
	BackgroundColor       string `json:"backgroundColor,omitempty"`
	SkipRequestQueue      bool   `json:"skipRequestQueue"`
	GlobalCooldownSeconds int    `json:"globalCooldownSeconds,omitempty"`
}

// Validate checks the limits Helix enforces on create.
func (s RewardSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidReward)
	case utf8.RuneCountInString(s.Title) > 45:
		return fmt.Errorf("%w: title longer than 45 characters", ErrInvalidReward)
	case utf8.RuneCountInString(s.Prompt) > 200:
		return fmt.Errorf("%w: prompt longer than 200 characters", ErrInvalidReward)
	case s.Cost < 1:
		return fmt.Errorf("%w: cost must be at least 1", ErrInvalidReward)
	case s.GlobalCooldownSeconds < 0:
		return fmt.Errorf("%w: negative cooldown", ErrInvalidReward)
	}
	return nil
}

func (s RewardSpec) body() twitchapi.RewardSpec {
	enabled, input, skip := s.Enabled, s.UserInputRequired, s.SkipRequestQueue
	cooldown := s.GlobalCooldownSeconds > 0
	// always sent so an emptied prompt clears the remote one
	prompt := s.Prompt
	return twitchapi.RewardSpec{
		Title:                             strings.TrimSpace(s.Title),
		Prompt:                            &prompt,
		Cost:                              s.Cost,
		IsEnabled:                         &enabled,
		IsUserInputRequired:               &input,
		BackgroundColor:                   s.BackgroundColor,
		ShouldRedemptionsSkipRequestQueue: &skip,
		IsGlobalCooldownEnabled:           &cooldown,
		GlobalCooldownSeconds:             s.GlobalCooldownSeconds,
	}
}

func sameTitle(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Reconcile makes the channel's managed reward match desired, trying the
// cached id, then a reward with the same title, then creating one.
func (r *Reconciler) Reconcile(ctx context.Context, login string, desired RewardSpec) (res Result, err error) {
	login = channels.NormalizeLogin(login)
	if err := desired.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, "reconcile", "reconcile.reward", login)
	defer func() {
		r.count("reward", res.Status, err)
		telemetry.EndSpan(span, err)
	}()

	tok, rec, err := r.session(ctx, login)
	if err != nil {
		return Result{}, err
	}
	broadcaster := rec.ProviderUserID
	body := desired.body()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "reconcile"), slog.String("channel", login))

	if id := rec.ResourceRefs.RewardID; id != nil {
		_, err := r.rewards.UpdateReward(ctx, tok, broadcaster, *id, body)
		if err == nil {
			return r.adoptReward(ctx, login, *id, StatusUpdated)
		}
		if twitchapi.IsUnauthorized(err) {
			return Result{}, insufficient("update reward", err)
		}
		log.Warn("cached reward id unusable, searching", slog.String("reward_id", *id), slog.Any("err", err))
	}

	existing, err := r.rewards.ListRewards(ctx, tok, broadcaster, false)
	switch {
	case twitchapi.IsUnauthorized(err):
		return Result{}, insufficient("list rewards", err)
	case err != nil:
		log.Warn("reward search failed, creating", slog.Any("err", err))
	}
	for _, rw := range existing {
		if !sameTitle(rw.Title, desired.Title) {
			continue
		}
		if _, err := r.rewards.UpdateReward(ctx, tok, broadcaster, rw.ID, body); err != nil {
			if twitchapi.IsUnauthorized(err) {
				return Result{}, insufficient("update found reward", err)
			}
			if twitchapi.IsForbidden(err) {
				log.Warn("adopted reward is not manageable by this client id; updates and deletes will fail until it is recreated",
					slog.String("reward_id", rw.ID), slog.Any("err", err))
			} else {
				log.Warn("found reward not updated, adopting as-is", slog.String("reward_id", rw.ID), slog.Any("err", err))
			}
		}
		return r.adoptReward(ctx, login, rw.ID, StatusReused)
	}

	created, err := r.rewards.CreateReward(ctx, tok, broadcaster, body)
	if twitchapi.IsUnauthorized(err) {
		return Result{}, insufficient("create reward", err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: create reward: %w", ErrReconciliationFailed, err)
	}
	return r.adoptReward(ctx, login, created.ID, StatusCreated)
}

// adoptReward caches id on the record; the remote step already succeeded.
func (r *Reconciler) adoptReward(ctx context.Context, login, id string, status Status) (Result, error) {
	err := r.channels.Update(ctx, login, func(rec *channels.Record) error {
		rec.ResourceRefs.RewardID = &id
		rec.RewardDisabled = false
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: save reward id %s: %w", ErrReconciliationFailed, id, err)
	}
	return Result{Status: status, ResourceID: id}, nil
}

// DeleteReward removes the managed reward. The cached id is cleared only
// once Helix confirms the reward is gone (deleted, or already absent);
// otherwise the id is kept and the reward is marked locally disabled.
func (r *Reconciler) DeleteReward(ctx context.Context, login string) (err error) {
	login = channels.NormalizeLogin(login)
	defer func() { r.count("reward_delete", "deleted", err) }()

	rec, err := r.loadChannel(ctx, login)
	if err != nil {
		return err
	}
	id := rec.ResourceRefs.RewardID
	if id == nil {
		return nil
	}

	tok, err := r.tokens.GetValidAccessToken(ctx, login)
	if err != nil {
		r.markRewardDisabled(ctx, login, *id, err)
		return err
	}
	err = r.rewards.DeleteReward(ctx, tok, rec.ProviderUserID, *id)
	if err == nil || twitchapi.IsNotFound(err) {
		return r.channels.Update(ctx, login, func(rec *channels.Record) error {
			rec.ResourceRefs.RewardID = nil
			rec.RewardDisabled = false
			return nil
		})
	}
	r.markRewardDisabled(ctx, login, *id, err)
	if twitchapi.IsUnauthorized(err) {
		return insufficient("delete reward", err)
	}
	return fmt.Errorf("%w: delete reward: %w", ErrReconciliationFailed, err)
}

func (r *Reconciler) markRewardDisabled(ctx context.Context, login, id string, cause error) {
	err := r.channels.Update(ctx, login, func(rec *channels.Record) error {
		rec.RewardDisabled = true
		return nil
	})
	if err != nil {
		r.log.Error("failed to mark reward disabled", slog.String("channel", login), slog.Any("err", err))
	}
	r.log.Warn("reward delete unconfirmed, kept reference",
		slog.String("channel", login), slog.String("reward_id", id), slog.Any("err", cause))
}
