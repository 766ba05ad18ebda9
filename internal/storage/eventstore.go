package storage

import (
	"sync"

	"github.com/example/ride-protocol/internal/models"
)

// EventStore persists accepted events so the engine can rebuild every
// session at boot. Sessions themselves are never persisted — they are
// recomputable from their event set.
type EventStore interface {
	SaveEvent(sessionID string, e *models.SignedEvent) error
	LoadAll() ([]*models.SignedEvent, error)
	LoadSession(sessionID string) ([]*models.SignedEvent, error)
}

// MemoryStore is the EventStore used when Postgres isn't configured.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*models.SignedEvent
	byID     map[string]struct{}
	sessions map[string][]*models.SignedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]struct{}),
		sessions: make(map[string][]*models.SignedEvent),
	}
}

func (m *MemoryStore) SaveEvent(sessionID string, e *models.SignedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[e.ID]; ok {
		return nil
	}
	m.byID[e.ID] = struct{}{}
	m.events = append(m.events, e)
	m.sessions[sessionID] = append(m.sessions[sessionID], e)
	return nil
}

func (m *MemoryStore) LoadAll() ([]*models.SignedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SignedEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *MemoryStore) LoadSession(sessionID string) ([]*models.SignedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.sessions[sessionID]
	out := make([]*models.SignedEvent, len(chain))
	copy(out, chain)
	return out, nil
}
