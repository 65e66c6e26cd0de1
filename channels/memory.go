package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	writes  int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, login string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[NormalizeLogin(login)]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", login, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rec.Clone()
	c.ChannelLogin = NormalizeLogin(c.ChannelLogin)
	now := time.Now().UTC()
	if prev, ok := m.records[c.ChannelLogin]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.records[c.ChannelLogin] = c
	m.writes++
	return nil
}

func (m *MemoryStore) Update(_ context.Context, login string, fn func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeLogin(login)
	rec, ok := m.records[key]
	if !ok {
		return fmt.Errorf("update %s: %w", login, ErrNotFound)
	}
	c := rec.Clone()
	if err := fn(c); err != nil {
		return err
	}
	c.ChannelLogin = key
	c.UpdatedAt = time.Now().UTC()
	m.records[key] = c
	m.writes++
	return nil
}

func (m *MemoryStore) ListBotEnabled(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for login, rec := range m.records {
		if rec.BotEnabled {
			out = append(out, login)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Writes reports how many Upsert/Update calls were persisted.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
