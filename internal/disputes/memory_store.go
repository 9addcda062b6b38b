package disputes

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development and tests.
// Transitions replicate the Postgres store's check-and-set semantics under a
// single mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	seq      int64
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.OrderID == d.OrderID && existing.Status != StatusClosed {
			return ErrInvalidState
		}
	}

	if d.ID == "" {
		d.ID = newDisputeID()
	}
	m.seq++
	d.Number = FormatNumber(m.seq)
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetActiveByOrder(_ context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status != StatusClosed {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.ClaimantID == userID || d.RespondentID == userID {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkResponded(_ context.Context, id string, negotiationDeadline time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	d.Status = StatusResponded
	deadline := negotiationDeadline
	d.NegotiationDeadline = &deadline
	d.UpdatedAt = time.Now().UTC()
	return copyDispute(d), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, id string, msg Message) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}

	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	msg.CreatedAt = time.Now().UTC()
	d.Messages = append(d.Messages, msg)
	d.UpdatedAt = msg.CreatedAt
	return copyDispute(d), nil
}

func (m *MemoryStore) AppendProposal(_ context.Context, id string, offer SettlementOffer) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusResponded && d.Status != StatusNegotiation {
		return nil, ErrInvalidState
	}

	offer.CreatedAt = time.Now().UTC()
	d.OfferHistory = append(d.OfferHistory, offer)
	d.Status = StatusNegotiation
	d.UpdatedAt = offer.CreatedAt
	return copyDispute(d), nil
}

func (m *MemoryStore) RequestArbitration(_ context.Context, id, requesterID string, escalate bool, fee string, feeDeadline time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusResponded && d.Status != StatusNegotiation {
		return nil, ErrInvalidState
	}

	if !containsStr(d.Arbitration.RequestedBy, requesterID) {
		d.Arbitration.RequestedBy = append(d.Arbitration.RequestedBy, requesterID)
	}
	if escalate && !d.Arbitration.Requested {
		d.Arbitration.Requested = true
		d.Arbitration.FeeAmount = fee
		deadline := feeDeadline
		d.Arbitration.FeeDeadline = &deadline
	}
	d.UpdatedAt = time.Now().UTC()
	return copyDispute(d), nil
}

func (m *MemoryStore) RecordFeePayment(_ context.Context, id string, p ArbitrationPayment) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	if !d.Arbitration.Requested {
		return nil, ErrArbitrationPending
	}
	for _, existing := range d.Arbitration.Payments {
		if existing.PayerID == p.PayerID {
			return nil, ErrFeeAlreadyPaid
		}
	}

	p.PaidAt = time.Now().UTC()
	d.Arbitration.Payments = append(d.Arbitration.Payments, p)
	if len(d.Arbitration.Payments) >= 2 {
		d.Status = StatusArbitration
	}
	d.UpdatedAt = p.PaidAt
	return copyDispute(d), nil
}

func (m *MemoryStore) Close(_ context.Context, id string, from []Status, res Resolution) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	allowed := false
	for _, s := range from {
		if d.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, ErrInvalidState
	}

	d.Status = StatusClosed
	r := res
	d.Resolution = &r
	d.UpdatedAt = res.ClosedAt
	return copyDispute(d), nil
}

func (m *MemoryStore) AutoClose(_ context.Context, id string, res Resolution, now time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status == StatusClosed {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusOpen || now.Before(d.ResponseDeadline) {
		return nil, ErrInvalidState
	}

	d.Status = StatusClosed
	r := res
	d.Resolution = &r
	d.UpdatedAt = now
	return copyDispute(d), nil
}

func (m *MemoryStore) ListAutoCloseDue(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen && !now.Before(d.ResponseDeadline) {
			out = append(out, copyDispute(d))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.FlaggedItems = append([]int(nil), d.FlaggedItems...)
	cp.Messages = append([]Message(nil), d.Messages...)
	cp.OfferHistory = append([]SettlementOffer(nil), d.OfferHistory...)
	cp.Arbitration.RequestedBy = append([]string(nil), d.Arbitration.RequestedBy...)
	cp.Arbitration.Payments = append([]ArbitrationPayment(nil), d.Arbitration.Payments...)
	if d.Arbitration.FeeDeadline != nil {
		t := *d.Arbitration.FeeDeadline
		cp.Arbitration.FeeDeadline = &t
	}
	if d.NegotiationDeadline != nil {
		t := *d.NegotiationDeadline
		cp.NegotiationDeadline = &t
	}
	if d.Resolution != nil {
		r := *d.Resolution
		cp.Resolution = &r
	}
	return &cp
}
