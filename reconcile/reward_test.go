package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/tokens"
)

var ttsReward = RewardSpec{Title: "Text to Speech", Prompt: "Say something", Cost: 500, Enabled: true, UserInputRequired: true}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no deps should fail")
	}
}

func TestRewardSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec RewardSpec
		ok   bool
	}{
		{"valid", ttsReward, true},
		{"blank title", RewardSpec{Title: "  ", Cost: 1}, false},
		{"zero cost", RewardSpec{Title: "x"}, false},
		{"long title", RewardSpec{Title: "0123456789012345678901234567890123456789012345", Cost: 1}, false},
		{"multibyte title at limit", RewardSpec{Title: strings.Repeat("语", 45), Cost: 1}, true},
		{"multibyte title", RewardSpec{Title: strings.Repeat("语", 20), Cost: 1}, true},
		{"multibyte title too long", RewardSpec{Title: strings.Repeat("语", 46), Cost: 1}, false},
		{"multibyte prompt at limit", RewardSpec{Title: "x", Prompt: strings.Repeat("é", 200), Cost: 1}, true},
		{"long prompt", RewardSpec{Title: "x", Prompt: strings.Repeat("é", 201), Cost: 1}, false},
		{"negative cooldown", RewardSpec{Title: "x", Cost: 1, GlobalCooldownSeconds: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok != (err == nil) {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidReward) {
				t.Errorf("Validate() error %v is not ErrInvalidReward", err)
			}
		})
	}
}

func TestReconcile_CreateThenIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	ctx := context.Background()

	first, err := h.rec.Reconcile(ctx, "Streamer", ttsReward)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if first.Status != StatusCreated || first.ResourceID == "" {
		t.Fatalf("first = %+v, want created", first)
	}
	ref := h.record(t, "streamer").ResourceRefs.RewardID
	if ref == nil || *ref != first.ResourceID {
		t.Fatalf("stored ref = %v, want %s", ref, first.ResourceID)
	}

	second, err := h.rec.Reconcile(ctx, "streamer", ttsReward)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if second.Status != StatusUpdated || second.ResourceID != first.ResourceID {
		t.Errorf("second = %+v, want updated %s", second, first.ResourceID)
	}
	if n := h.helix.count(); n != 1 {
		t.Errorf("remote rewards = %d, want 1", n)
	}
	if got := h.record(t, "streamer").ResourceRefs.RewardID; *got != first.ResourceID {
		t.Errorf("ref changed to %s", *got)
	}
	if h.helix.lists != 1 {
		t.Errorf("list calls = %d, want 1 (hinted path skips search)", h.helix.lists)
	}
}

func TestReconcile_SearchAdoptsMatchingTitle(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	h.helix.seedReward("Other reward")
	existing := h.helix.seedReward("  text to SPEECH ")

	res, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Status != StatusReused || res.ResourceID != existing {
		t.Errorf("result = %+v, want reused %s", res, existing)
	}
	if ref := h.record(t, "streamer").ResourceRefs.RewardID; ref == nil || *ref != existing {
		t.Errorf("stored ref = %v, want %s", ref, existing)
	}
	if h.helix.rewards[existing].Cost != 500 {
		t.Errorf("adopted reward not updated to desired state: %+v", h.helix.rewards[existing])
	}
	if h.helix.creates != 0 {
		t.Errorf("creates = %d, want 0", h.helix.creates)
	}
}

func TestReconcile_AdoptsEvenWhenUpdateOfFoundRewardFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	existing := h.helix.seedReward("Text to Speech")
	h.helix.updateErr = func(string) error {
		return apiErr("rewards.update", http.StatusForbidden, "reward not manageable by this client")
	}

	res, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Status != StatusReused || res.ResourceID != existing {
		t.Errorf("result = %+v, want reused %s", res, existing)
	}
}

func TestReconcile_WarnsWhenAdoptedRewardIsNotManageable(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t)
	h.seed(t, "streamer")
	existing := h.helix.seedReward("Text to Speech")
	h.helix.updateErr = func(string) error {
		return apiErr("rewards.update", http.StatusForbidden,
			"The ID in header Client-Id must match the client ID used to create the custom reward")
	}

	if _, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "not manageable by this client id") {
		t.Errorf("log output missing manageability warning:\n%s", out)
	}
	if !strings.Contains(out, "reward_id="+existing) {
		t.Errorf("warning does not name reward %s:\n%s", existing, out)
	}
}

func TestReconcile_UpdateClearsPrompt(t *testing.T) {
	tests := []struct {
		name string
		hint bool
	}{
		{"cached id", true},
		{"found by title", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			existing := h.helix.seedReward("Text to Speech")
			r := h.helix.rewards[existing]
			r.Prompt = "old prompt"
			h.helix.rewards[existing] = r
			h.seed(t, "streamer", func(rec *channels.Record) {
				if tt.hint {
					rec.ResourceRefs.RewardID = strPtr(existing)
				}
			})

			desired := ttsReward
			desired.Prompt = ""
			res, err := h.rec.Reconcile(context.Background(), "streamer", desired)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.ResourceID != existing {
				t.Fatalf("result = %+v, want %s", res, existing)
			}
			if got := h.helix.rewards[existing].Prompt; got != "" {
				t.Errorf("remote prompt = %q, want cleared", got)
			}
		})
	}
}

func TestReconcile_StaleHintFallsThroughToCreate(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer", func(r *channels.Record) { r.ResourceRefs.RewardID = strPtr("deleted-on-twitch") })

	res, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Status != StatusCreated {
		t.Errorf("status = %s, want created", res.Status)
	}
	ref := h.record(t, "streamer").ResourceRefs.RewardID
	if ref == nil || *ref != res.ResourceID || *ref == "deleted-on-twitch" {
		t.Errorf("stored ref = %v, want new id %s", ref, res.ResourceID)
	}
}

func TestReconcile_SearchFailureStillCreates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	h.helix.listErr = apiErr("rewards.list", http.StatusInternalServerError, "boom")

	res, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if err != nil || res.Status != StatusCreated {
		t.Errorf("Reconcile() = %+v, %v; want created", res, err)
	}
}

func TestReconcile_Unauthorized(t *testing.T) {
	unauthorized := apiErr("rewards", http.StatusUnauthorized, "Missing scope: channel:manage:redemptions")
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "hinted update",
			setup: func(h *harness) {
				h.helix.updateErr = func(string) error { return unauthorized }
			},
		},
		{
			name:  "search",
			setup: func(h *harness) { h.helix.listErr = unauthorized },
		},
		{
			name:  "create",
			setup: func(h *harness) { h.helix.createErr = unauthorized },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "streamer", func(r *channels.Record) { r.ResourceRefs.RewardID = strPtr("cached") })
			tt.setup(h)
			_, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
			if !errors.Is(err, ErrAuthorizationInsufficient) {
				t.Fatalf("error = %v, want ErrAuthorizationInsufficient", err)
			}
			if errors.Is(err, tokens.ErrReAuthRequired) {
				t.Error("scope problem reported as re-auth")
			}
			if h.tokens.calls != 1 {
				t.Errorf("token requests = %d, want 1 (no refresh retry)", h.tokens.calls)
			}
			if ref := h.record(t, "streamer").ResourceRefs.RewardID; ref == nil || *ref != "cached" {
				t.Errorf("ref changed to %v", ref)
			}
		})
	}
}

func TestReconcile_CreateFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	h.helix.createErr = apiErr("rewards.create", http.StatusBadRequest, "cost must be at least 1")

	_, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if !errors.Is(err, ErrReconciliationFailed) {
		t.Fatalf("error = %v, want ErrReconciliationFailed", err)
	}
	if ref := h.record(t, "streamer").ResourceRefs.RewardID; ref != nil {
		t.Errorf("ref = %s after failed create", *ref)
	}
}

func TestReconcile_TokenErrorsPassThrough(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	h.tokens.err = tokens.ErrReAuthRequired

	_, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward)
	if !errors.Is(err, tokens.ErrReAuthRequired) {
		t.Fatalf("error = %v, want ErrReAuthRequired", err)
	}
	if h.helix.lists+h.helix.updates+h.helix.creates != 0 {
		t.Error("remote API called without a token")
	}
}

func TestReconcile_InvalidSpecMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	if _, err := h.rec.Reconcile(context.Background(), "streamer", RewardSpec{}); !errors.Is(err, ErrInvalidReward) {
		t.Fatalf("error = %v, want ErrInvalidReward", err)
	}
	if h.tokens.calls != 0 {
		t.Error("token requested for an invalid spec")
	}
}

func TestDeleteReward(t *testing.T) {
	tests := []struct {
		name         string
		deleteErr    error
		remoteExists bool
		wantErr      error
		wantRef      bool
		wantDisabled bool
	}{
		{name: "confirmed", remoteExists: true},
		{name: "already gone", remoteExists: false},
		{
			name:         "server error keeps ref",
			remoteExists: true,
			deleteErr:    apiErr("rewards.delete", http.StatusInternalServerError, "boom"),
			wantErr:      ErrReconciliationFailed,
			wantRef:      true,
			wantDisabled: true,
		},
		{
			name:         "unauthorized keeps ref",
			remoteExists: true,
			deleteErr:    apiErr("rewards.delete", http.StatusUnauthorized, "Missing scope"),
			wantErr:      ErrAuthorizationInsufficient,
			wantRef:      true,
			wantDisabled: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := "never-existed"
			if tt.remoteExists {
				id = h.helix.seedReward("Text to Speech")
			}
			h.seed(t, "streamer", func(r *channels.Record) { r.ResourceRefs.RewardID = strPtr(id) })
			h.helix.deleteErr = tt.deleteErr

			err := h.rec.DeleteReward(context.Background(), "streamer")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("DeleteReward() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("DeleteReward() error = %v, want %v", err, tt.wantErr)
			}
			rec := h.record(t, "streamer")
			if (rec.ResourceRefs.RewardID != nil) != tt.wantRef {
				t.Errorf("ref = %v, want present=%v", rec.ResourceRefs.RewardID, tt.wantRef)
			}
			if rec.RewardDisabled != tt.wantDisabled {
				t.Errorf("RewardDisabled = %v, want %v", rec.RewardDisabled, tt.wantDisabled)
			}
		})
	}
}

func TestDeleteReward_TokenUnavailableKeepsRef(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer", func(r *channels.Record) { r.ResourceRefs.RewardID = strPtr("r-1") })
	h.tokens.err = tokens.ErrReAuthRequired

	if err := h.rec.DeleteReward(context.Background(), "streamer"); !errors.Is(err, tokens.ErrReAuthRequired) {
		t.Fatalf("error = %v, want ErrReAuthRequired", err)
	}
	rec := h.record(t, "streamer")
	if rec.ResourceRefs.RewardID == nil || !rec.RewardDisabled {
		t.Errorf("record = %+v, want ref kept and disabled", rec)
	}
}

func TestDeleteReward_NothingToDelete(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "streamer")
	if err := h.rec.DeleteReward(context.Background(), "streamer"); err != nil {
		t.Fatalf("DeleteReward() error = %v", err)
	}
	if h.helix.deletes != 0 || h.tokens.calls != 0 {
		t.Error("remote delete attempted without a reference")
	}
}

func TestReconcileClearsDisabledFlag(t *testing.T) {
	h := newHarness(t)
	id := h.helix.seedReward("Text to Speech")
	h.seed(t, "streamer", func(r *channels.Record) {
		r.ResourceRefs.RewardID = strPtr(id)
		r.RewardDisabled = true
	})
	if _, err := h.rec.Reconcile(context.Background(), "streamer", ttsReward); err != nil {
		t.Fatal(err)
	}
	if h.record(t, "streamer").RewardDisabled {
		t.Error("RewardDisabled still set after a successful reconcile")
	}
}
