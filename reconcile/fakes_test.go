package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/secrets"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) GetValidAccessToken(context.Context, string) (string, error) {
	s.calls++
	return s.token, s.err
}

// fakeHelix is an in-memory broadcaster reward collection and moderator set.
type fakeHelix struct {
	mu      sync.Mutex
	rewards map[string]twitchapi.Reward
	nextID  int
	mods    map[string]bool
	users   map[string]string

	creates, updates, lists, deletes int
	modCalls                         int

	updateErr    func(id string) error
	listErr      error
	createErr    error
	deleteErr    error
	addModErr    error
	removeModErr error
}

func newFakeHelix() *fakeHelix {
	return &fakeHelix{
		rewards: make(map[string]twitchapi.Reward),
		mods:    make(map[string]bool),
		users:   map[string]string{"chatvoxbot": "bot-1"},
	}
}

func apiErr(endpoint string, status int, msg string) error {
	return &twitchapi.APIError{Endpoint: endpoint, Status: status, Message: msg}
}

func (f *fakeHelix) seedReward(title string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("remote-%d", f.nextID)
	f.rewards[id] = twitchapi.Reward{ID: id, Title: title, Cost: 1}
	return id
}

func (f *fakeHelix) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rewards)
}

func (f *fakeHelix) ListRewards(_ context.Context, _, _ string, _ bool) ([]twitchapi.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]twitchapi.Reward, 0, len(f.rewards))
	for _, r := range f.rewards {
		out = append(out, r)
	}
	return out, nil
}

func apply(r twitchapi.Reward, spec twitchapi.RewardSpec) twitchapi.Reward {
	r.Title = spec.Title
	if spec.Prompt != nil {
		r.Prompt = *spec.Prompt
	}
	r.Cost = spec.Cost
	if spec.IsEnabled != nil {
		r.IsEnabled = *spec.IsEnabled
	}
	return r
}

func (f *fakeHelix) CreateReward(_ context.Context, _, _ string, spec twitchapi.RewardSpec) (*twitchapi.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, r := range f.rewards {
		if strings.EqualFold(r.Title, spec.Title) {
			return nil, apiErr("rewards.create", http.StatusBadRequest, "CREATE_CUSTOM_REWARD_DUPLICATE_REWARD")
		}
	}
	f.nextID++
	r := apply(twitchapi.Reward{ID: fmt.Sprintf("remote-%d", f.nextID)}, spec)
	f.rewards[r.ID] = r
	return &r, nil
}

func (f *fakeHelix) UpdateReward(_ context.Context, _, _, id string, spec twitchapi.RewardSpec) (*twitchapi.Reward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		if err := f.updateErr(id); err != nil {
			return nil, err
		}
	}
	r, ok := f.rewards[id]
	if !ok {
		return nil, apiErr("rewards.update", http.StatusNotFound, "Not Found")
	}
	r = apply(r, spec)
	f.rewards[id] = r
	return &r, nil
}

func (f *fakeHelix) DeleteReward(_ context.Context, _, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.rewards[id]; !ok {
		return apiErr("rewards.delete", http.StatusNotFound, "Not Found")
	}
	delete(f.rewards, id)
	return nil
}

func (f *fakeHelix) GetUserID(_ context.Context, login string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.users[login]; ok {
		return id, nil
	}
	return "", fmt.Errorf("user not found")
}

func (f *fakeHelix) AddModerator(_ context.Context, _, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modCalls++
	if f.addModErr != nil {
		return f.addModErr
	}
	f.mods[userID] = true
	return nil
}

func (f *fakeHelix) RemoveModerator(_ context.Context, _, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modCalls++
	if f.removeModErr != nil {
		return f.removeModErr
	}
	if !f.mods[userID] {
		return apiErr("moderators.remove", http.StatusBadRequest, "user is not a mod")
	}
	delete(f.mods, userID)
	return nil
}

type fakeChat struct {
	mu     sync.Mutex
	joined map[string]bool
}

func (c *fakeChat) Join(login string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == nil {
		c.joined = make(map[string]bool)
	}
	c.joined[login] = true
}

func (c *fakeChat) Depart(login string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, login)
}

type harness struct {
	rec      *Reconciler
	tokens   *staticTokens
	channels *channels.MemoryStore
	secrets  *secrets.MemoryStore
	helix    *fakeHelix
	chat     *fakeChat
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tokens:   &staticTokens{token: "user-token"},
		channels: channels.NewMemoryStore(),
		secrets:  secrets.NewMemoryStore(),
		helix:    newFakeHelix(),
		chat:     &fakeChat{},
	}
	r, err := New(Deps{
		Tokens:     h.tokens,
		Channels:   h.channels,
		Secrets:    h.secrets,
		Rewards:    h.helix,
		Moderators: h.helix,
		Chat:       h.chat,
		BotLogin:   "ChatvoxBot",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.rec = r
	return h
}

func (h *harness) seed(t *testing.T, login string, mutate ...func(*channels.Record)) {
	t.Helper()
	rec := &channels.Record{ChannelLogin: login, ProviderUserID: "uid-" + login, OAuthTier: channels.TierFull}
	for _, fn := range mutate {
		fn(rec)
	}
	if err := h.channels.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) record(t *testing.T, login string) *channels.Record {
	t.Helper()
	rec, err := h.channels.Get(context.Background(), login)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func strPtr(s string) *string { return &s }
