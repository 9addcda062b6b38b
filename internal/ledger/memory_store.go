package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances  map[string]int64
	history   map[string][]*Transaction
	mu        sync.Mutex
	userLocks sync.Map // per-user mutexes serializing balance mutations
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		history:  make(map[string][]*Transaction),
	}
}

func (m *MemoryStore) userLock(userID string) *sync.Mutex {
	v, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *MemoryStore) Append(_ context.Context, e Entry) (*Transaction, error) {
	mu := m.userLock(e.UserID)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	balance := m.balances[e.UserID]
	m.mu.Unlock()

	next := balance + delta(e.Type, e.Amount)
	if next < 0 {
		return nil, ErrInsufficientFunds
	}

	tx := &Transaction{
		ID:               idgen.WithPrefix("ltx_"),
		UserID:           e.UserID,
		Type:             e.Type,
		Amount:           money.Format(e.Amount),
		ResultingBalance: money.Format(next),
		Status:           StatusCompleted,
		Rail:             e.Rail,
		ExternalRef:      e.ExternalRef,
		OrderID:          e.OrderID,
		Description:      e.Description,
		CreatedAt:        time.Now(),
	}

	m.mu.Lock()
	m.balances[e.UserID] = next
	m.history[e.UserID] = append(m.history[e.UserID], tx)
	m.mu.Unlock()

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryStore) History(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[userID]
	// Newest first
	result := make([]*Transaction, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		tx := entries[i]
		if cursor != nil && !beforeCursor(tx, cursor) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	return result, nil
}

// beforeCursor reports whether tx sorts strictly after the cursor position
// in newest-first order.
func beforeCursor(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}
