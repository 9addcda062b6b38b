package notify

import (
	"context"
	"sync"
	"time"
)

// MemoryMarkerStore is an in-memory marker store for development and tests.
type MemoryMarkerStore struct {
	mu      sync.Mutex
	markers map[string]time.Time
}

// NewMemoryMarkerStore creates a new in-memory marker store.
func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{markers: make(map[string]time.Time)}
}

func markerKey(kind, entityID string) string { return kind + ":" + entityID }

func (m *MemoryMarkerStore) MarkSent(_ context.Context, kind, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := markerKey(kind, entityID)
	if _, ok := m.markers[key]; ok {
		return ErrMarkerExists
	}
	m.markers[key] = time.Now().UTC()
	return nil
}

func (m *MemoryMarkerStore) WasSent(_ context.Context, kind, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.markers[markerKey(kind, entityID)]
	return ok, nil
}
