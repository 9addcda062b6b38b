package offers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for development and tests.
// Transitions replicate the Postgres store's check-and-set semantics under a
// single mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
	seq    int64
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = newOfferID()
	}
	m.seq++
	o.Number = FormatNumber(m.seq)
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListByConversation(_ context.Context, conversationID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.ConversationID == conversationID {
			out = append(out, copyOffer(o))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.ProposerID == userID || o.CounterpartyID == userID {
			out = append(out, copyOffer(o))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *MemoryStore) SetLinks(_ context.Context, id, orderID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	o.OrderID = orderID
	o.MessageID = messageID
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkAccepted(_ context.Context, id string, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status == StatusExpired {
		return nil, ErrExpired
	}
	if o.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	if !now.Before(o.ResponseDeadline) {
		return nil, ErrExpired
	}

	o.Status = StatusAccepted
	o.ResolvedAt = &now
	o.UpdatedAt = now
	return copyOffer(o), nil
}

func (m *MemoryStore) MarkResolved(_ context.Context, id string, to Status, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	o.Status = to
	o.ResolvedAt = &now
	o.UpdatedAt = now
	return copyOffer(o), nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, id string, now time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	if now.Before(o.ResponseDeadline) {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusExpired
	o.ResolvedAt = &now
	o.UpdatedAt = now
	return copyOffer(o), nil
}

func (m *MemoryStore) RestorePending(_ context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != StatusAccepted {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusPending
	o.ResolvedAt = nil
	o.UpdatedAt = time.Now().UTC()
	return copyOffer(o), nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Status == StatusPending && !now.Before(o.ResponseDeadline) {
			out = append(out, copyOffer(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func sortNewestFirst(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.After(offers[j].CreatedAt) })
}

func clip(offers []*Offer, limit int) []*Offer {
	if limit > 0 && len(offers) > limit {
		return offers[:limit]
	}
	return offers
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.Milestones = append([]Milestone(nil), o.Milestones...)
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
