package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/notify"
	"github.com/meridianworks/meridian/internal/realtime"
	"github.com/meridianworks/meridian/internal/traces"
	"github.com/meridianworks/meridian/internal/validation"
)

// Publisher pushes best-effort realtime events. Never required for correctness.
type Publisher interface {
	Publish(userID string, eventType realtime.EventType, data any)
}

// Service coordinates order lifecycle transitions.
type Service struct {
	store              Store
	ledger             *ledger.Ledger
	cancellationWindow time.Duration
	publisher          Publisher
	notifier           notify.Sender
	logger             *slog.Logger
}

// NewService creates a new order service.
func NewService(store Store, l *ledger.Ledger, cancellationWindow time.Duration) *Service {
	return &Service{
		store:              store,
		ledger:             l,
		cancellationWindow: cancellationWindow,
		logger:             slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithPublisher enables realtime event fan-out.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithNotifier enables templated notifications.
func (s *Service) WithNotifier(n notify.Sender) *Service {
	s.notifier = n
	return s
}

// Store exposes the underlying store to sibling engines (offers, disputes).
func (s *Service) Store() Store { return s.store }

// Get returns an order visible to one of its participants.
func (s *Service) Get(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Participant(userID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Deliver records the seller's completed work: in_progress→delivered.
func (s *Service) Deliver(ctx context.Context, orderID, sellerID string, files []string, message string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Deliver", traces.OrderID(orderID), traces.UserID(sellerID))
	defer span.End()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrUnauthorized
	}

	o, err = s.store.MarkDelivered(ctx, orderID, Delivery{
		Files:       files,
		Message:     validation.SanitizeString(message, validation.MaxStringLength),
		DeliveredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.publish(o.BuyerID, realtime.EventOrderUpdated, o)
	s.send(ctx, o.BuyerID, notify.TemplateOrderDelivered, map[string]string{"order": o.Number})
	return o, nil
}

// ApproveDelivery completes the order and releases the seller's earnings.
func (s *Service) ApproveDelivery(ctx context.Context, orderID, buyerID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.ApproveDelivery", traces.OrderID(orderID), traces.UserID(buyerID))
	defer span.End()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusDelivered {
		return nil, ErrAlreadyResolved
	}

	total, ok := money.Parse(o.TotalAmount)
	if !ok {
		return nil, fmt.Errorf("order %s has unparseable total %q", orderID, o.TotalAmount)
	}

	// Seller credit and order completion are two separately-committed steps.
	// The deposit lands first so a crash in between leaves the funds with the
	// seller and the order still delivered, which an operator can re-drive.
	tx, err := s.ledger.Deposit(ctx, ledger.Entry{
		UserID:      o.SellerID,
		Amount:      total,
		Rail:        ledger.RailBalance,
		OrderID:     o.ID,
		Description: fmt.Sprintf("earnings for order %s", o.Number),
	})
	if err != nil {
		return nil, fmt.Errorf("release seller funds: %w", err)
	}

	o, err = s.store.MarkCompleted(ctx, orderID, o.TotalAmount, []string{tx.ID})
	if err != nil {
		s.logger.Error("seller credited but order completion failed",
			"order", orderID, "tx", tx.ID, "error", err)
		return nil, err
	}
	metrics.OrdersCompletedTotal.Inc()

	s.publish(o.SellerID, realtime.EventOrderUpdated, o)
	s.send(ctx, o.SellerID, notify.TemplateOrderCompleted, map[string]string{
		"order": o.Number, "amount": o.TotalAmount,
	})
	return o, nil
}

// RequestRevision reopens a delivered order: delivered→in_progress.
func (s *Service) RequestRevision(ctx context.Context, orderID, buyerID, reason string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if reason == "" {
		return nil, validation.Errorf("reason", "required")
	}

	o, err = s.store.RequestRevision(ctx, orderID, RevisionRequest{
		Reason:      validation.SanitizeString(reason, validation.MaxStringLength),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.publish(o.SellerID, realtime.EventOrderUpdated, o)
	return o, nil
}

// RequestCancellation opens the cancellation sub-workflow. The other party
// must answer before the deadline or the scheduler auto-approves.
func (s *Service) RequestCancellation(ctx context.Context, orderID, requesterID, reason string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Participant(requesterID) {
		return nil, ErrUnauthorized
	}
	if reason == "" {
		return nil, validation.Errorf("reason", "required")
	}

	req := CancellationRequest{
		Status:      RequestPending,
		RequestedBy: requesterID,
		Reason:      validation.SanitizeString(reason, validation.MaxStringLength),
		Deadline:    time.Now().UTC().Add(s.cancellationWindow),
	}
	o, err = s.store.CreateCancellation(ctx, orderID, req)
	if err != nil {
		return nil, err
	}

	other := o.CounterpartOf(requesterID)
	s.publish(other, realtime.EventOrderUpdated, o)
	s.send(ctx, other, notify.TemplateCancellationRequest, map[string]string{
		"order": o.Number, "deadline": req.Deadline.Format(time.RFC3339),
	})
	return o, nil
}

// RespondCancellation answers a pending cancellation before its deadline.
// Approval cancels the order and refunds the buyer's captured funds.
func (s *Service) RespondCancellation(ctx context.Context, orderID, responderID string, approve bool) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CancellationRequest == nil {
		return nil, ErrNoCancellation
	}
	// Only the party who did not raise the request may answer it.
	if !o.Participant(responderID) || o.CancellationRequest.RequestedBy == responderID {
		return nil, ErrUnauthorized
	}

	o, err = s.store.RespondCancellation(ctx, orderID, approve, responderID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if approve {
		if err := s.refundBuyer(ctx, o, "cancellation approved"); err != nil {
			return nil, err
		}
		metrics.OrdersCancelledTotal.WithLabelValues("mutual").Inc()
		s.send(ctx, o.CancellationRequest.RequestedBy, notify.TemplateOrderCancelled,
			map[string]string{"order": o.Number})
	}
	s.publish(o.CounterpartOf(responderID), realtime.EventOrderUpdated, o)
	return o, nil
}

// AutoCancelDue approves pending cancellations whose deadline elapsed without
// an answer. Invoked by the scheduler; each order is isolated so one failure
// never aborts the sweep.
func (s *Service) AutoCancelDue(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := s.store.ListDueCancellations(ctx, now, 200)
	if err != nil {
		s.logger.Error("list due cancellations", "error", err)
		return 0, 1
	}

	for _, o := range due {
		updated, err := s.store.AutoApproveCancellation(ctx, o.ID, now)
		if err != nil {
			// Lost the race to an explicit response; nothing to do.
			if err == ErrAlreadyResponded || err == ErrNoCancellation {
				continue
			}
			s.logger.Error("auto-approve cancellation", "order", o.ID, "error", err)
			failed++
			continue
		}
		if err := s.refundBuyer(ctx, updated, "cancellation auto-approved"); err != nil {
			s.logger.Error("refund after auto-cancel", "order", o.ID, "error", err)
			failed++
			continue
		}
		metrics.OrdersCancelledTotal.WithLabelValues("auto").Inc()
		s.publish(updated.BuyerID, realtime.EventOrderUpdated, updated)
		s.publish(updated.SellerID, realtime.EventOrderUpdated, updated)
		s.send(ctx, updated.CancellationRequest.RequestedBy, notify.TemplateOrderCancelled,
			map[string]string{"order": updated.Number})
		processed++
	}
	return processed, failed
}

// RequestExtension asks the buyer for more delivery time.
func (s *Service) RequestExtension(ctx context.Context, orderID, sellerID string, days int, reason string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrUnauthorized
	}
	if days < 1 {
		return nil, validation.Errorf("days", "must be at least 1, got %d", days)
	}

	o, err = s.store.CreateExtension(ctx, orderID, ExtensionRequest{
		Status:      RequestPending,
		RequestedBy: sellerID,
		Days:        days,
		Reason:      validation.SanitizeString(reason, validation.MaxStringLength),
	})
	if err != nil {
		return nil, err
	}

	s.publish(o.BuyerID, realtime.EventOrderUpdated, o)
	return o, nil
}

// RespondExtension answers a pending extension; approval pushes the delivery
// deadline out by the requested days.
func (s *Service) RespondExtension(ctx context.Context, orderID, buyerID string, approve bool) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if o.ExtensionRequest == nil {
		return nil, ErrNoExtension
	}

	o, err = s.store.RespondExtension(ctx, orderID, approve, buyerID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publish(o.SellerID, realtime.EventOrderUpdated, o)
	return o, nil
}

// refundBuyer returns the buyer's captured funds after a cancellation.
// No-op for orders that never reached payment.
func (s *Service) refundBuyer(ctx context.Context, o *Order, reason string) error {
	if o.PaymentStatus != PaymentPaid || o.AmountPaid == "" {
		return nil
	}
	paid, ok := money.Parse(o.AmountPaid)
	if !ok {
		return fmt.Errorf("order %s has unparseable amount paid %q", o.ID, o.AmountPaid)
	}

	tx, err := s.ledger.Refund(ctx, ledger.Entry{
		UserID:      o.BuyerID,
		Amount:      paid,
		Rail:        ledger.RailBalance,
		OrderID:     o.ID,
		Description: fmt.Sprintf("refund for order %s: %s", o.Number, reason),
	})
	if err != nil {
		return fmt.Errorf("refund buyer: %w", err)
	}
	if err := s.store.RecordRefund(ctx, o.ID, []string{tx.ID}); err != nil {
		// The refund happened; a stale payment status is an audit nuisance,
		// not lost money.
		s.logger.Error("refund recorded in ledger but not on order", "order", o.ID, "tx", tx.ID, "error", err)
	}
	return nil
}

func (s *Service) publish(userID string, eventType realtime.EventType, data any) {
	if s.publisher != nil {
		s.publisher.Publish(userID, eventType, data)
	}
}

func (s *Service) send(ctx context.Context, recipient, template string, vars map[string]string) {
	if s.notifier != nil {
		s.notifier.SendTemplated(ctx, recipient, template, vars)
	}
}
