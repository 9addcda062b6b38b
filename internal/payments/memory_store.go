package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
)

var ErrWarningNotFound = errors.New("consistency warning not found")

// MemoryWarningStore is an in-memory warning store for demo/development mode.
type MemoryWarningStore struct {
	warnings map[string]*ConsistencyWarning
	mu       sync.RWMutex
}

// NewMemoryWarningStore creates a new in-memory warning store.
func NewMemoryWarningStore() *MemoryWarningStore {
	return &MemoryWarningStore{warnings: make(map[string]*ConsistencyWarning)}
}

func (m *MemoryWarningStore) Create(_ context.Context, w *ConsistencyWarning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = idgen.WithPrefix("cwr_")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	m.warnings[w.ID] = &cp
	return nil
}

func (m *MemoryWarningStore) ListOpen(_ context.Context, limit int) ([]*ConsistencyWarning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ConsistencyWarning
	for _, w := range m.warnings {
		if w.ResolvedAt == nil {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryWarningStore) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.warnings[id]
	if !ok {
		return ErrWarningNotFound
	}
	now := time.Now()
	w.ResolvedAt = &now
	return nil
}
