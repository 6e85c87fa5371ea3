package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Record
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Record), now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, token string, rec Record, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = rec
	return nil
}

func (m *MemoryStore) Load(_ context.Context, token string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	if rec.Expired(m.now()) {
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
		return Record{}, ErrSessionNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *MemoryStore) DeleteByUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, rec := range m.sessions {
		if rec.UserID == userID {
			delete(m.sessions, token)
		}
	}
	return nil
}

// DeleteExpired drops expired sessions and returns how many were removed.
func (m *MemoryStore) DeleteExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for token, rec := range m.sessions {
		if rec.Expired(now) {
			delete(m.sessions, token)
			removed++
		}
	}
	return removed
}
