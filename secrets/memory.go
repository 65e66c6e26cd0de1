package secrets

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryStore keeps versions in process memory. It backs SECRET_STORE=memory
// for local development and the tests of packages that depend on a Store.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[string][][]byte
	writes   int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][][]byte)}
}

func (m *MemoryStore) Create(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[name]; !ok {
		m.versions[name] = nil
	}
	return nil
}

func (m *MemoryStore) Write(_ context.Context, name string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[name]
	if !ok {
		return "", fmt.Errorf("write %s: %w", name, ErrNotFound)
	}
	m.versions[name] = append(vs, append([]byte(nil), payload...))
	m.writes++
	return strconv.Itoa(len(m.versions[name])), nil
}

func (m *MemoryStore) ReadLatest(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[name]
	if len(vs) == 0 {
		return nil, fmt.Errorf("read %s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), vs[len(vs)-1]...), nil
}

// VersionCount reports how many versions name holds.
func (m *MemoryStore) VersionCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.versions[name])
}

// Writes reports the total number of successful Write calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
