package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatvox/backend/config"
)

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, 1, 2)
	if !rl.allow("1.1.1.1") || !rl.allow("1.1.1.1") {
		t.Fatal("burst requests rejected")
	}
	if rl.allow("1.1.1.1") {
		t.Error("third request inside the burst window allowed")
	}
	if !rl.allow("2.2.2.2") {
		t.Error("second client shares the first client's bucket")
	}

	rl.cleanup(time.Now().Add(10 * time.Minute))
	rl.mu.Lock()
	n := len(rl.visitors)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors after cleanup = %d", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), 0, 10)
	if rl != nil {
		t.Fatal("limiter created for rps=0")
	}
	if !rl.allow("x") {
		t.Error("nil limiter rejected a request")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	first := env.do(t, http.MethodGet, "/overlay/streamer?token=tok", "", "X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	second := env.do(t, http.MethodGet, "/overlay/streamer?token=tok", "", "X-Forwarded-For", "9.9.9.9")
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Errorf("codes = %d, %d; want 200, 429", first.Code, second.Code)
	}
	// health checks are not limited
	if rr := env.do(t, http.MethodGet, "/healthz", "", "X-Forwarded-For", "9.9.9.9"); rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, xff, want string
	}{
		{"10.0.0.1:1234", "", "10.0.0.1"},
		{"10.0.0.1:1234", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"[::1]:80", "", "::1"},
		{"bare", "", "bare"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%s, %s) = %s, want %s", tt.remote, tt.xff, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantAllow  string
		wantStatus int
	}{
		{name: "permissive", origin: "http://anything", method: http.MethodGet, wantAllow: "*", wantStatus: http.StatusOK},
		{name: "allowed", origins: []string{"https://app.example.com"}, origin: "https://app.example.com", method: http.MethodGet, wantAllow: "https://app.example.com", wantStatus: http.StatusOK},
		{name: "wildcard subdomain", origins: []string{"*.example.com"}, origin: "https://dash.example.com", method: http.MethodGet, wantAllow: "https://dash.example.com", wantStatus: http.StatusOK},
		{name: "blocked", origins: []string{"https://app.example.com"}, origin: "https://evil.test", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight", origin: "http://x", method: http.MethodOptions, wantAllow: "*", wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			withCORS(ok, tt.origins).ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestMemoryStateStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStateStore()
	s.now = func() time.Time { return now }

	if err := s.Save(ctx, "a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "b", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Consume(ctx, "a"); !ok {
		t.Error("fresh state rejected")
	}
	if ok, _ := s.Consume(ctx, "a"); ok {
		t.Error("state accepted twice")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := s.Consume(ctx, "b"); ok {
		t.Error("expired state accepted")
	}
}

func TestMemoryStateStoreFull(t *testing.T) {
	s := NewMemoryStateStore()
	for i := 0; i < maxOAuthStates; i++ {
		s.states[fmt.Sprintf("k-%d", i)] = time.Now().Add(time.Hour)
	}
	if err := s.Save(context.Background(), "overflow", time.Minute); err != ErrStateStoreFull {
		t.Errorf("Save() error = %v, want ErrStateStoreFull", err)
	}
}

func TestRedisStateStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	s := NewRedisStateStore(client)

	st, err := newState()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, st, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ok, err := s.Consume(ctx, st); err != nil || !ok {
		t.Fatalf("Consume() = %v, %v", ok, err)
	}
	if ok, err := s.Consume(ctx, st); err != nil || ok {
		t.Errorf("second Consume() = %v, %v; want false", ok, err)
	}
}
