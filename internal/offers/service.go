package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianworks/meridian/internal/chat"
	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/notify"
	"github.com/meridianworks/meridian/internal/orders"
	"github.com/meridianworks/meridian/internal/payments"
	"github.com/meridianworks/meridian/internal/realtime"
	"github.com/meridianworks/meridian/internal/traces"
	"github.com/meridianworks/meridian/internal/validation"
)

// Publisher pushes best-effort realtime events.
type Publisher interface {
	Publish(userID string, eventType realtime.EventType, data any)
}

// CreateRequest carries the proposed terms.
type CreateRequest struct {
	ConversationID string       `json:"conversationId"`
	Description    string       `json:"description"`
	Price          string       `json:"price"`
	DeliveryDays   int          `json:"deliveryDays"`
	Quantity       int          `json:"quantity"`
	PaymentStyle   PaymentStyle `json:"paymentStyle"`
	Milestones     []Milestone  `json:"milestones,omitempty"`
	// ResponseDays overrides the global hour-based response deadline.
	ResponseDays int `json:"responseDays,omitempty"`
}

// PaymentContext selects the funding rail when accepting an offer.
type PaymentContext struct {
	Rail            ledger.Rail `json:"rail"`
	CardToken       string      `json:"cardToken,omitempty"`
	ExternalOrderID string      `json:"externalOrderId,omitempty"`
}

// Service coordinates the offer lifecycle and its paired order and chat card.
type Service struct {
	store         Store
	orders        orders.Store
	chat          chat.Store
	capturer      payments.Capturer
	responseHours int
	serviceFeePct float64
	publisher     Publisher
	notifier      notify.Sender
	logger        *slog.Logger
}

// NewService creates a new offer service.
func NewService(store Store, orderStore orders.Store, chatStore chat.Store, capturer payments.Capturer, responseHours int, serviceFeePct float64) *Service {
	return &Service{
		store:         store,
		orders:        orderStore,
		chat:          chatStore,
		capturer:      capturer,
		responseHours: responseHours,
		serviceFeePct: serviceFeePct,
		logger:        slog.Default(),
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

// Get returns an offer visible to one of its parties.
func (s *Service) Get(ctx context.Context, offerID, userID string) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if userID != o.ProposerID && userID != o.CounterpartyID {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListByConversation returns a conversation's offers, newest first.
func (s *Service) ListByConversation(ctx context.Context, conversationID, userID string, limit int) ([]*Offer, error) {
	ok, err := s.chat.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}
	return s.store.ListByConversation(ctx, conversationID, limit)
}

// ListByUser returns the offers the user proposed or received.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Create validates the terms, then creates the offer together with its held
// order and chat card. The counterparty is the conversation's other
// participant; accepting makes them the buyer.
func (s *Service) Create(ctx context.Context, proposerID string, req CreateRequest) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Create", traces.UserID(proposerID))
	defer span.End()

	priceCents, err := s.validateTerms(req)
	if err != nil {
		return nil, err
	}

	conv, err := s.chat.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	counterparty := ""
	for _, p := range conv.Participants {
		if p != proposerID {
			counterparty = p
		}
	}
	if counterparty == "" || !contains(conv.Participants, proposerID) {
		return nil, ErrNotParticipant
	}

	now := time.Now().UTC()
	deadline := now.Add(time.Duration(s.responseHours) * time.Hour)
	if req.ResponseDays > 0 {
		deadline = now.AddDate(0, 0, req.ResponseDays)
	}

	offer := &Offer{
		ConversationID:   req.ConversationID,
		ProposerID:       proposerID,
		CounterpartyID:   counterparty,
		Description:      validation.SanitizeString(req.Description, validation.MaxStringLength),
		Price:            money.Format(priceCents),
		DeliveryDays:     req.DeliveryDays,
		Quantity:         req.Quantity,
		PaymentStyle:     req.PaymentStyle,
		Milestones:       req.Milestones,
		Status:           StatusPending,
		ResponseDeadline: deadline,
	}
	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	order := s.buildOrder(offer, priceCents)
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create paired order: %w", err)
	}

	msg := &chat.Message{
		ConversationID: offer.ConversationID,
		AuthorID:       proposerID,
		Kind:           chat.KindOffer,
		OfferID:        offer.ID,
		Body:           offer.Description,
		Status:         string(StatusPending),
	}
	if err := s.chat.CreateLinkedMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create offer message: %w", err)
	}

	if err := s.store.SetLinks(ctx, offer.ID, order.ID, msg.ID); err != nil {
		return nil, err
	}
	offer.OrderID = order.ID
	offer.MessageID = msg.ID

	metrics.OffersCreatedTotal.Inc()
	s.publish(counterparty, realtime.EventOfferCreated, offer)
	s.send(ctx, counterparty, notify.TemplateOfferReceived, map[string]string{
		"offer": offer.Number, "price": offer.Price,
	})
	return offer, nil
}

// Respond accepts or rejects a pending offer. Accepting captures
// price+serviceFee over the chosen rail; if capture fails the offer is
// restored to pending and the capture error surfaced untouched.
func (s *Service) Respond(ctx context.Context, offerID, callerID string, accept bool, pay PaymentContext) (*Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.Respond", traces.OfferID(offerID), traces.UserID(callerID))
	defer span.End()

	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if callerID != o.CounterpartyID {
		return nil, ErrUnauthorized
	}

	if !accept {
		return s.resolve(ctx, o, StatusRejected, orders.StatusRejected, "rejected")
	}
	return s.acceptAndCapture(ctx, o, pay)
}

// Withdraw is the proposer-only equivalent of reject.
func (s *Service) Withdraw(ctx context.Context, offerID, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if callerID != o.ProposerID {
		return nil, ErrUnauthorized
	}
	return s.resolve(ctx, o, StatusRejected, orders.StatusCancelled, "withdrawn")
}

// Expire moves a pending offer past its deadline to expired and cascades the
// order to offer_expired. Scheduler-only; idempotent: expiring an already
// expired offer is a no-op.
func (s *Service) Expire(ctx context.Context, offerID string, now time.Time) (*Offer, error) {
	o, err := s.store.MarkExpired(ctx, offerID, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			current, getErr := s.store.Get(ctx, offerID)
			if getErr == nil && current.Status == StatusExpired {
				// A crash between expiry and the order cascade leaves the
				// order stranded at offer_created. The cascade is a
				// conditional update, so repeating it here is safe.
				s.cascadeExpired(ctx, current)
				return current, nil
			}
		}
		return nil, err
	}

	s.cascadeExpired(ctx, o)
	s.updateCard(ctx, o.ID, string(StatusExpired))

	metrics.OffersResolvedTotal.WithLabelValues("expired").Inc()
	s.publish(o.ProposerID, realtime.EventOfferResolved, o)
	s.send(ctx, o.ProposerID, notify.TemplateOfferExpired, map[string]string{"offer": o.Number})
	return o, nil
}

func (s *Service) cascadeExpired(ctx context.Context, o *Offer) {
	if o.OrderID == "" {
		return
	}
	if _, err := s.orders.ResolveOffer(ctx, o.OrderID, orders.StatusOfferExpired); err != nil &&
		!errors.Is(err, orders.ErrAlreadyResolved) {
		s.logger.Error("offer expired but order cascade failed", "offer", o.ID, "order", o.OrderID, "error", err)
	}
}

// ExpireDue sweeps all pending offers past their deadline. Each offer is
// isolated: one failure never aborts the rest.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := s.store.ListExpiredPending(ctx, now, 200)
	if err != nil {
		s.logger.Error("list expired offers", "error", err)
		return 0, 1
	}

	for _, o := range due {
		if _, err := s.Expire(ctx, o.ID, now); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue // lost the race to an accept or reject
			}
			s.logger.Error("expire offer", "offer", o.ID, "error", err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

func (s *Service) acceptAndCapture(ctx context.Context, o *Offer, pay PaymentContext) (*Offer, error) {
	now := time.Now().UTC()
	accepted, err := s.store.MarkAccepted(ctx, o.ID, now)
	if err != nil {
		return nil, err
	}

	price, ok := money.Parse(accepted.Price)
	if !ok {
		return nil, fmt.Errorf("offer %s has unparseable price %q", o.ID, accepted.Price)
	}
	fee := money.Percent(price, s.serviceFeePct)
	total := price + fee

	rail := pay.Rail
	if rail == "" {
		rail = ledger.RailBalance
	}
	result, err := s.capturer.Capture(ctx, accepted.CounterpartyID, total, rail, payments.Context{
		OrderID:         accepted.OrderID,
		Description:     fmt.Sprintf("payment for offer %s", accepted.Number),
		CardToken:       pay.CardToken,
		ExternalOrderID: pay.ExternalOrderID,
	})
	if err != nil {
		// Undo the accept so the offer can be retried on another rail.
		// The capture error itself travels to the caller untouched.
		if _, restoreErr := s.store.RestorePending(ctx, o.ID); restoreErr != nil {
			s.logger.Error("failed to restore offer after capture failure",
				"offer", o.ID, "capture_error", err, "error", restoreErr)
		}
		return nil, err
	}

	refs := make([]string, 0, len(result.Transactions))
	for _, tx := range result.Transactions {
		refs = append(refs, tx.ID)
	}
	deliveryDeadline := now.AddDate(0, 0, accepted.DeliveryDays)
	if _, err := s.orders.Activate(ctx, accepted.OrderID, rail, money.Format(total), refs, deliveryDeadline); err != nil {
		// Funds are captured; the order record lags. Surface loudly, do not
		// invent a rollback that would detach the money from the order.
		s.logger.Error("capture succeeded but order activation failed",
			"offer", o.ID, "order", accepted.OrderID, "error", err)
		return nil, fmt.Errorf("activate order after capture: %w", err)
	}

	s.updateCard(ctx, o.ID, string(StatusAccepted))
	metrics.OffersResolvedTotal.WithLabelValues("accepted").Inc()
	metrics.OfferResponseSeconds.Observe(now.Sub(accepted.CreatedAt).Seconds())
	s.publish(accepted.ProposerID, realtime.EventOfferResolved, accepted)
	s.send(ctx, accepted.ProposerID, notify.TemplateOfferAccepted, map[string]string{
		"offer": accepted.Number, "price": accepted.Price,
	})
	return accepted, nil
}

func (s *Service) resolve(ctx context.Context, o *Offer, to Status, orderStatus orders.Status, card string) (*Offer, error) {
	now := time.Now().UTC()
	resolved, err := s.store.MarkResolved(ctx, o.ID, to, now)
	if err != nil {
		return nil, err
	}

	if resolved.OrderID != "" {
		if _, err := s.orders.ResolveOffer(ctx, resolved.OrderID, orderStatus); err != nil &&
			!errors.Is(err, orders.ErrAlreadyResolved) {
			s.logger.Error("offer resolved but order cascade failed",
				"offer", o.ID, "order", resolved.OrderID, "error", err)
		}
	}
	s.updateCard(ctx, o.ID, card)

	metrics.OffersResolvedTotal.WithLabelValues(card).Inc()
	other := resolved.ProposerID
	if card == "withdrawn" {
		other = resolved.CounterpartyID
	}
	s.publish(other, realtime.EventOfferResolved, resolved)
	s.send(ctx, other, notify.TemplateOfferRejected, map[string]string{"offer": resolved.Number})
	return resolved, nil
}

func (s *Service) validateTerms(req CreateRequest) (int64, error) {
	price, ok := money.Parse(req.Price)
	if !ok || price <= 0 {
		return 0, validation.Errorf("price", "must be a positive amount, got %q", req.Price)
	}
	if req.DeliveryDays <= 0 {
		return 0, validation.Errorf("deliveryDays", "must be greater than zero, got %d", req.DeliveryDays)
	}
	if req.Quantity < 1 {
		return 0, validation.Errorf("quantity", "must be at least 1, got %d", req.Quantity)
	}
	if req.Description == "" {
		return 0, validation.Errorf("description", "required")
	}

	switch req.PaymentStyle {
	case StyleSingle:
		if len(req.Milestones) > 0 {
			return 0, validation.Errorf("milestones", "not allowed for single-payment offers")
		}
	case StyleMilestone:
		if len(req.Milestones) == 0 {
			return 0, validation.Errorf("milestones", "required for milestone offers")
		}
		var sum int64
		for i, m := range req.Milestones {
			amount, ok := money.Parse(m.Amount)
			if !ok || amount <= 0 {
				return 0, validation.Errorf("milestones", "milestone %d has invalid amount %q", i, m.Amount)
			}
			sum += amount
		}
		if !money.WithinTolerance(sum, price) {
			return 0, validation.Errorf("milestones",
				"milestone amounts sum to %s, offer price is %s", money.Format(sum), money.Format(price))
		}
	default:
		return 0, validation.Errorf("paymentStyle", "must be single or milestone, got %q", req.PaymentStyle)
	}
	return price, nil
}

// buildOrder snapshots the offer terms onto a held order.
func (s *Service) buildOrder(o *Offer, priceCents int64) *orders.Order {
	var items []orders.LineItem
	if o.PaymentStyle == StyleMilestone {
		for _, m := range o.Milestones {
			items = append(items, orders.LineItem{
				Description: m.Description,
				UnitPrice:   m.Amount,
				Quantity:    1,
				Amount:      m.Amount,
			})
		}
	} else {
		unit := priceCents / int64(o.Quantity)
		items = append(items, orders.LineItem{
			Description: o.Description,
			UnitPrice:   money.Format(unit),
			Quantity:    o.Quantity,
			Amount:      o.Price,
		})
	}

	return &orders.Order{
		BuyerID:        o.CounterpartyID,
		SellerID:       o.ProposerID,
		OfferID:        o.ID,
		ConversationID: o.ConversationID,
		LineItems:      items,
		TotalAmount:    o.Price,
		ServiceFee:     money.Format(money.Percent(priceCents, s.serviceFeePct)),
		PaymentStatus:  orders.PaymentPending,
		Status:         orders.StatusOfferCreated,
		DeliveryStatus: orders.DeliveryNone,
		DeliveryDays:   o.DeliveryDays,
	}
}

func (s *Service) updateCard(ctx context.Context, offerID, status string) {
	if err := s.chat.UpdateMessageStatus(ctx, offerID, status); err != nil {
		s.logger.Warn("update offer card status", "offer", offerID, "status", status, "error", err)
	}
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

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
