package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/config"
	"github.com/onnwee/chatvox/backend/prefs"
	"github.com/onnwee/chatvox/backend/reconcile"
	"github.com/onnwee/chatvox/backend/tokens"
)

type fakeAuth struct{}

func (fakeAuth) AuthorizeURL(redirectURI, state string, scopes []string) (string, error) {
	return "https://id.example/authorize?state=" + state + "&redirect_uri=" + url.QueryEscape(redirectURI), nil
}

type fakeTokens struct {
	rec      *channels.Record
	err      error
	codes    []string
	validate []string
}

func (f *fakeTokens) CompleteAuthorization(_ context.Context, code, _ string) (*channels.Record, error) {
	f.codes = append(f.codes, code)
	return f.rec, f.err
}

func (f *fakeTokens) ValidateChannel(_ context.Context, login string) (*channels.Record, error) {
	f.validate = append(f.validate, login)
	return f.rec, f.err
}

type fakeResources struct {
	err       error
	lastSpec  reconcile.RewardSpec
	calls     []string
	overlayOK string
}

func (f *fakeResources) Reconcile(_ context.Context, login string, desired reconcile.RewardSpec) (reconcile.Result, error) {
	f.calls = append(f.calls, "reconcile:"+login)
	f.lastSpec = desired
	return reconcile.Result{Status: reconcile.StatusCreated, ResourceID: "reward-1"}, f.err
}

func (f *fakeResources) DeleteReward(_ context.Context, login string) error {
	f.calls = append(f.calls, "delete:"+login)
	return f.err
}

func (f *fakeResources) ActivateBot(_ context.Context, login string) (reconcile.Result, error) {
	f.calls = append(f.calls, "bot:"+login)
	return reconcile.Result{Status: reconcile.StatusReused, ResourceID: "bot-1"}, f.err
}

func (f *fakeResources) DeactivateBot(_ context.Context, login string) error {
	f.calls = append(f.calls, "unbot:"+login)
	return f.err
}

func (f *fakeResources) EnsureOverlay(_ context.Context, login string) (reconcile.Overlay, error) {
	f.calls = append(f.calls, "overlay:"+login)
	return reconcile.Overlay{Result: reconcile.Result{Status: reconcile.StatusCreated, ResourceID: "overlay-secret"}, Token: "tok"}, f.err
}

func (f *fakeResources) RotateOverlay(_ context.Context, login string) (reconcile.Overlay, error) {
	f.calls = append(f.calls, "rotate:"+login)
	return reconcile.Overlay{Result: reconcile.Result{Status: reconcile.StatusUpdated, ResourceID: "overlay-secret"}, Token: "tok2"}, f.err
}

func (f *fakeResources) ResolveOverlay(_ context.Context, _ string, presented string) error {
	if f.err != nil {
		return f.err
	}
	if presented != f.overlayOK {
		return reconcile.ErrOverlayDenied
	}
	return nil
}

type testEnv struct {
	cfg       *config.Config
	tokens    *fakeTokens
	resources *fakeResources
	channels  *channels.MemoryStore
	prefs     *prefs.MemoryStore
	states    *MemoryStateStore
	handler   http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		TwitchClientID:     "cid",
		TwitchClientSecret: "secret",
		TwitchRedirectURI:  "http://localhost/auth/twitch/callback",
		TwitchScopes:       []string{"chat:read"},
		RewardTitle:        "Text to Speech",
		RewardPrompt:       "Say something",
		RewardCost:         500,
		PublicBaseURL:      "http://localhost:8080",
	}
	env := &testEnv{
		cfg:       cfg,
		tokens:    &fakeTokens{rec: &channels.Record{ChannelLogin: "streamer", OAuthTier: channels.TierFull}},
		resources: &fakeResources{overlayOK: "tok"},
		channels:  channels.NewMemoryStore(),
		prefs:     prefs.NewMemoryStore(),
		states:    NewMemoryStateStore(),
	}
	d := Deps{
		Config:    cfg,
		Auth:      fakeAuth{},
		Tokens:    env.tokens,
		Resources: env.resources,
		Channels:  env.channels,
		Prefs:     env.prefs,
		States:    env.states,
	}
	for _, m := range mutate {
		m(cfg, &d)
	}
	h, err := NewHandlers(d)
	if err != nil {
		t.Fatalf("NewHandlers() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.handler = NewMux(ctx, h)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v (status %d)", err, rr.Code)
	}
	return m
}

func TestNewHandlers_RequiresDeps(t *testing.T) {
	if _, err := NewHandlers(Deps{}); err == nil {
		t.Error("NewHandlers(empty) succeeded")
	}
}

func TestHealthzOK(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", "X-Correlation-ID", "abc-123")
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Checks = []Check{
			{Name: "store", Fn: func(context.Context) error { return nil }},
			{Name: "redis", Fn: func(context.Context) error { return errors.New("down") }},
		}
	})
	rr := env.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["failed_check"] != "redis" {
		t.Errorf("failed_check = %v", body["failed_check"])
	}

	ok := newTestEnv(t)
	if rr := ok.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Errorf("readyz without checks = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Errorf("metrics = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, http.NotFoundHandler(), "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"reauth", fmt.Errorf("%w: streamer: %w", tokens.ErrReAuthRequired, tokens.ErrRefreshFailed), http.StatusUnauthorized, "reauth_required"},
		{"missing identity", tokens.ErrMissingIdentity, http.StatusUnauthorized, "reauth_required"},
		{"insufficient", fmt.Errorf("create reward: %w", reconcile.ErrAuthorizationInsufficient), http.StatusForbidden, "insufficient_scope"},
		{"not found", tokens.ErrChannelNotFound, http.StatusNotFound, "not_found"},
		{"store not found", fmt.Errorf("get: %w", channels.ErrNotFound), http.StatusNotFound, "not_found"},
		{"invalid reward", reconcile.ErrInvalidReward, http.StatusBadRequest, "invalid_request"},
		{"invalid prefs", prefs.ErrInvalid, http.StatusBadRequest, "invalid_request"},
		{"provider config", tokens.ErrProviderConfig, http.StatusInternalServerError, "retry"},
		{"reconcile failed", reconcile.ErrReconciliationFailed, http.StatusBadGateway, "retry"},
		{"unknown", errors.New("boom"), http.StatusBadGateway, "retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("errorStatus() = %d %s, want %d %s", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}
