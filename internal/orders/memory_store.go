package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
)

// MemoryStore is an in-memory order store for development and tests.
// Conditional transitions replicate the Postgres store's check-and-set
// semantics under a single mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	byOffer map[string]string
	seq     int64
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		byOffer: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = newOrderID()
	}
	m.seq++
	o.Number = FormatNumber(m.seq)
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	m.orders[o.ID] = copyOrder(o)
	if o.OfferID != "" {
		m.byOffer[o.OfferID] = o.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByOffer(_ context.Context, offerID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOffer[offerID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Participant(userID) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Activate(_ context.Context, id string, rail ledger.Rail, amountPaid string, ledgerRefs []string, deliveryDeadline time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusOfferCreated {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusInProgress
	o.DeliveryStatus = DeliveryActive
	o.DeliveryDeadline = &deliveryDeadline
	o.PaymentMethod = rail
	o.PaymentStatus = PaymentPaid
	o.AmountPaid = amountPaid
	o.LedgerRefs = append(o.LedgerRefs, ledgerRefs...)
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) ResolveOffer(_ context.Context, id string, to Status) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusOfferCreated {
		return nil, ErrAlreadyResolved
	}

	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, d Delivery) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusInProgress {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusDelivered
	o.DeliveryStatus = DeliveryComplete
	o.Deliveries = append(o.Deliveries, d)
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, id string, released string, ledgerRefs []string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusDelivered {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	o.Status = StatusCompleted
	o.DeliveryStatus = DeliveryApproved
	o.PaymentStatus = PaymentReleased
	o.AmountReleased = released
	o.LedgerRefs = append(o.LedgerRefs, ledgerRefs...)
	o.CompletedAt = &now
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) RequestRevision(_ context.Context, id string, r RevisionRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusDelivered {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusInProgress
	o.DeliveryStatus = DeliveryActive
	o.Revisions = append(o.Revisions, r)
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) CreateCancellation(_ context.Context, id string, req CancellationRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusInProgress {
		return nil, ErrAlreadyResolved
	}
	if o.CancellationRequest != nil && o.CancellationRequest.Status == RequestPending {
		return nil, ErrCancellationPending
	}

	o.CancellationRequest = &req
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) RespondCancellation(_ context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	req := o.CancellationRequest
	if req == nil {
		return nil, ErrNoCancellation
	}
	if req.Status != RequestPending {
		return nil, ErrAlreadyResponded
	}
	if !now.Before(req.Deadline) {
		// The scheduler owns this request now.
		return nil, ErrAlreadyResponded
	}

	req.RespondedBy = &respondedBy
	req.RespondedAt = &now
	if approve {
		req.Status = RequestApproved
		o.Status = StatusCancelled
	} else {
		req.Status = RequestRejected
	}
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) AutoApproveCancellation(_ context.Context, id string, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	req := o.CancellationRequest
	if req == nil {
		return nil, ErrNoCancellation
	}
	if req.Status != RequestPending {
		return nil, ErrAlreadyResponded
	}
	if now.Before(req.Deadline) {
		return nil, ErrAlreadyResponded
	}

	// RespondedBy stays nil: approval by elapsed deadline, not by a party.
	req.Status = RequestApproved
	req.RespondedAt = &now
	o.Status = StatusCancelled
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) ListDueCancellations(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		req := o.CancellationRequest
		if req != nil && req.Status == RequestPending && !now.Before(req.Deadline) {
			out = append(out, copyOrder(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingCancellations(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.CancellationRequest != nil && o.CancellationRequest.Status == RequestPending {
			out = append(out, copyOrder(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateExtension(_ context.Context, id string, req ExtensionRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusInProgress {
		return nil, ErrAlreadyResolved
	}
	if o.ExtensionRequest != nil && o.ExtensionRequest.Status == RequestPending {
		return nil, ErrExtensionPending
	}

	o.ExtensionRequest = &req
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) RespondExtension(_ context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	req := o.ExtensionRequest
	if req == nil {
		return nil, ErrNoExtension
	}
	if req.Status != RequestPending {
		return nil, ErrAlreadyResponded
	}

	req.RespondedBy = &respondedBy
	req.RespondedAt = &now
	if approve {
		req.Status = RequestApproved
		if o.DeliveryDeadline != nil {
			d := o.DeliveryDeadline.AddDate(0, 0, req.Days)
			o.DeliveryDeadline = &d
		}
	} else {
		req.Status = RequestRejected
	}
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) MarkDisputed(_ context.Context, id, disputeID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.DisputeID != "" {
		return nil, ErrDisputeAlreadyActive
	}
	if o.Status != StatusInProgress && o.Status != StatusDelivered {
		return nil, ErrAlreadyResolved
	}

	o.Status = StatusDisputed
	o.DisputeID = disputeID
	o.UpdatedAt = time.Now().UTC()
	return copyOrder(o), nil
}

func (m *MemoryStore) CloseDispute(_ context.Context, id string, to Status, released string, ledgerRefs []string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusDisputed {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	o.Status = to
	o.AmountReleased = released
	o.LedgerRefs = append(o.LedgerRefs, ledgerRefs...)
	switch to {
	case StatusCancelled:
		o.PaymentStatus = PaymentRefunded
	case StatusCompleted:
		o.PaymentStatus = PaymentReleased
		o.CompletedAt = &now
	}
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) FlagLineItems(_ context.Context, id string, indexes []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	for _, i := range indexes {
		if i >= 0 && i < len(o.LineItems) {
			o.LineItems[i].Flagged = true
		}
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListActiveWithDeadlineBefore(_ context.Context, t time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Status == StatusInProgress && o.DeliveryDeadline != nil && o.DeliveryDeadline.Before(t) {
			out = append(out, copyOrder(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDeliveredBefore(_ context.Context, t time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Status != StatusDelivered || len(o.Deliveries) == 0 {
			continue
		}
		last := o.Deliveries[len(o.Deliveries)-1]
		if last.DeliveredAt.Before(t) {
			out = append(out, copyOrder(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordRefund(_ context.Context, id string, ledgerRefs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentStatus = PaymentRefunded
	o.LedgerRefs = append(o.LedgerRefs, ledgerRefs...)
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.LineItems = append([]LineItem(nil), o.LineItems...)
	cp.Deliveries = append([]Delivery(nil), o.Deliveries...)
	cp.Revisions = append([]RevisionRequest(nil), o.Revisions...)
	cp.LedgerRefs = append([]string(nil), o.LedgerRefs...)
	if o.CancellationRequest != nil {
		req := *o.CancellationRequest
		cp.CancellationRequest = &req
	}
	if o.ExtensionRequest != nil {
		req := *o.ExtensionRequest
		cp.ExtensionRequest = &req
	}
	if o.DeliveryDeadline != nil {
		d := *o.DeliveryDeadline
		cp.DeliveryDeadline = &d
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
