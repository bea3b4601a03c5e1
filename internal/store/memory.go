package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/postwatch/postwatch/internal/domain"
)

type memoryRecord struct {
	state domain.PersistedState
	posts []domain.Post
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*memoryRecord
	now  func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memoryRecord),
		now:  time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, handle string) (domain.PersistedState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[handle]
	if !ok {
		return domain.PersistedState{}, nil
	}
	return rec.state.Clone(), nil
}

func (m *MemoryStore) Commit(_ context.Context, handle string, newPosts []domain.Post, updated domain.PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[handle]
	if !ok {
		rec = &memoryRecord{}
		m.data[handle] = rec
	}
	rec.state = nextState(rec.state, updated, len(newPosts), m.now())
	rec.posts = append(rec.posts, newPosts...)
	return nil
}

func (m *MemoryStore) Posts(_ context.Context, handle string) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[handle]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Post, len(rec.posts))
	copy(out, rec.posts)
	return out, nil
}

func (m *MemoryStore) Handles(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make([]string, 0, len(m.data))
	for h := range m.data {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
