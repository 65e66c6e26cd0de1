package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	stateTTL       = 10 * time.Minute
	statePrefix    = "oauth_state:"
)

// ErrStateStoreFull is returned when the memory store refuses new states.
var ErrStateStoreFull = errors.New("oauth state store full")

// StateStore holds short-lived OAuth state values. Consume reports whether
// state was issued and unexpired, and removes it either way.
type StateStore interface {
	Save(ctx context.Context, state string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (bool, error)
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MemoryStateStore keeps states in process memory; fine for one replica.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]time.Time), now: time.Now}
}

// cleanExpired removes expired states. Callers hold mu.
func (m *MemoryStateStore) cleanExpired() {
	now := m.now()
	for state, expiry := range m.states {
		if now.After(expiry) {
			delete(m.states, state)
		}
	}
}

func (m *MemoryStateStore) Save(_ context.Context, state string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Clean expired states periodically to prevent unbounded growth
	if len(m.states)%100 == 0 {
		m.cleanExpired()
	}
	if len(m.states) >= maxOAuthStates {
		m.cleanExpired()
		if len(m.states) >= maxOAuthStates {
			return ErrStateStoreFull
		}
	}
	m.states[state] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.states[state]
	if !ok {
		return false, nil
	}
	delete(m.states, state)
	return !m.now().After(exp), nil
}

// RedisStateStore shares states across replicas.
type RedisStateStore struct {
	client redis.UniversalClient
}

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	if err := s.client.Set(ctx, statePrefix+state, "1", ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	_, err := s.client.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	return true, nil
}
