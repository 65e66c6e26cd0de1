package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves the identity endpoints (/oauth2/...) and a small
// in-memory Helix (/helix/...) so the real twitchapi clients can be driven
// end to end. Point both IDBaseURL and HelixBaseURL (+"/helix") at URL.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu         sync.Mutex
	rewards    map[string]map[string]string // broadcaster -> reward id -> title
	moderators map[string]map[string]bool   // broadcaster -> user id
	calls      []string
	nextID     int
}

// NewMockTwitchServer creates a new mock Twitch server. Handlers registered
// by path take precedence over the built-in Helix behaviour.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:   make(map[string]http.HandlerFunc),
		rewards:    make(map[string]map[string]string),
		moderators: make(map[string]map[string]bool),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls = append(m.calls, r.Method+" "+r.URL.Path)
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		switch r.URL.Path {
		case "/helix/channel_points/custom_rewards":
			m.serveRewards(w, r)
		case "/helix/moderation/moderators":
			m.serveModerators(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// Calls returns "METHOD /path" for every request received so far.
func (m *MockTwitchServer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount counts requests matching "METHOD /path".
func (m *MockTwitchServer) CallCount(call string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Rewards returns the reward titles on a broadcaster's channel by id.
func (m *MockTwitchServer) Rewards(broadcasterID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.rewards[broadcasterID]))
	for id, title := range m.rewards[broadcasterID] {
		out[id] = title
	}
	return out
}

// IsModerator reports whether userID moderates the broadcaster's channel.
func (m *MockTwitchServer) IsModerator(broadcasterID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moderators[broadcasterID][userID]
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// MockUserResponse adds a handler for the /helix/users endpoint.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		})
	})
}

// MockOAuthTokenResponse adds a handler for the token endpoint. Every grant
// type (code, refresh, client credentials) gets the same pair back.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int, scopes []string) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         scopes,
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for /oauth2/validate.
func (m *MockTwitchServer) MockValidateResponse(userID, login string, scopes []string) {
	m.handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id":  "mock",
			"login":      login,
			"user_id":    userID,
			"scopes":     scopes,
			"expires_in": 3600,
		})
	})
}

func (m *MockTwitchServer) serveRewards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b := q.Get("broadcaster_id")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rewards[b] == nil {
		m.rewards[b] = make(map[string]string)
	}
	switch r.Method {
	case http.MethodGet:
		data := []map[string]any{}
		for id, title := range m.rewards[b] {
			data = append(data, map[string]any{"id": id, "title": title})
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	case http.MethodPost, http.MethodPatch:
		var body struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		id := q.Get("id")
		if r.Method == http.MethodPost {
			m.nextID++
			id = fmt.Sprintf("reward-%d", m.nextID)
		} else if _, ok := m.rewards[b][id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "reward not found"})
			return
		}
		m.rewards[b][id] = body.Title
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": id, "title": body.Title}}})
	case http.MethodDelete:
		id := q.Get("id")
		if _, ok := m.rewards[b][id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "reward not found"})
			return
		}
		delete(m.rewards[b], id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *MockTwitchServer) serveModerators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, u := q.Get("broadcaster_id"), q.Get("user_id")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moderators[b] == nil {
		m.moderators[b] = make(map[string]bool)
	}
	switch r.Method {
	case http.MethodPost:
		if m.moderators[b][u] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "user is already a mod"})
			return
		}
		m.moderators[b][u] = true
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if !m.moderators[b][u] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "user is not a mod"})
			return
		}
		delete(m.moderators[b], u)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
