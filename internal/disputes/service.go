package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/notify"
	"github.com/meridianworks/meridian/internal/orders"
	"github.com/meridianworks/meridian/internal/realtime"
	"github.com/meridianworks/meridian/internal/traces"
	"github.com/meridianworks/meridian/internal/validation"
)

// Publisher pushes realtime events to a user's open connections.
type Publisher interface {
	Publish(userID string, eventType realtime.EventType, data any)
}

// Config carries the dispute timing and fee knobs.
type Config struct {
	ResponseWindow    time.Duration // respondent's window to answer a new dispute
	NegotiationWindow time.Duration // settlement window after the response
	FeeDeadline       time.Duration // window to pay the arbitration fee
	ArbitrationFee    string        // fixed fee per party, decimal string
}

// Service coordinates the dispute lifecycle, its linked order, and the fund
// settlement when a dispute closes.
type Service struct {
	store     Store
	orders    orders.Store
	ledger    *ledger.Ledger
	cfg       Config
	publisher Publisher
	notifier  notify.Sender
	logger    *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, ordersStore orders.Store, l *ledger.Ledger, cfg Config) *Service {
	return &Service{
		store:  store,
		orders: ordersStore,
		ledger: l,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// WithLogger sets the structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithPublisher sets the realtime publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithNotifier sets the notification sender.
func (s *Service) WithNotifier(n notify.Sender) *Service {
	s.notifier = n
	return s
}

// Get returns a dispute visible to one of its parties.
func (s *Service) Get(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(userID) == "" {
		return nil, ErrUnauthorized
	}
	return d, nil
}

// ListByUser returns the user's disputes, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Raise opens a dispute against an in-progress or delivered order. The order
// moves to disputed in the same conditional update that enforces the single
// active dispute, so two near-simultaneous claims produce exactly one
// dispute.
func (s *Service) Raise(ctx context.Context, orderID, claimantID, requirements string, flagged []int) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Raise", traces.OrderID(orderID), traces.UserID(claimantID))
	defer span.End()

	if requirements == "" {
		return nil, validation.Errorf("requirements", "required")
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Participant(claimantID) {
		return nil, ErrUnauthorized
	}
	for _, i := range flagged {
		if i < 0 || i >= len(o.LineItems) {
			return nil, validation.Errorf("flaggedItems", "index %d out of range", i)
		}
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:               newDisputeID(),
		OrderID:          o.ID,
		ClaimantID:       claimantID,
		RespondentID:     o.CounterpartOf(claimantID),
		Status:           StatusOpen,
		Requirements:     validation.SanitizeString(requirements, validation.MaxStringLength),
		FlaggedItems:     flagged,
		ResponseDeadline: now.Add(s.cfg.ResponseWindow),
	}

	// The order transition is the gate: it rejects a second active dispute
	// and any state other than in_progress or delivered.
	if _, err := s.orders.MarkDisputed(ctx, o.ID, d.ID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, d); err != nil {
		s.logger.Error("order disputed but dispute record failed", "order", o.ID, "dispute", d.ID, "error", err)
		return nil, fmt.Errorf("create dispute: %w", err)
	}
	if len(flagged) > 0 {
		if err := s.orders.FlagLineItems(ctx, o.ID, flagged); err != nil {
			s.logger.Error("flag line items", "order", o.ID, "error", err)
		}
	}

	metrics.DisputesOpenedTotal.Inc()
	s.publish(d.RespondentID, realtime.EventDisputeUpdated, d)
	s.send(ctx, d.RespondentID, notify.TemplateDisputeOpened, map[string]string{
		"dispute": d.Number, "order": o.Number,
	})
	return d, nil
}

// Respond is the respondent answering an open dispute. It fixes the
// negotiation deadline; a dispute already auto-closed by the scheduler
// returns ErrAlreadyClosed with no side effects.
func (s *Service) Respond(ctx context.Context, disputeID, callerID, body string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if callerID != d.RespondentID {
		return nil, ErrUnauthorized
	}
	if body == "" {
		return nil, validation.Errorf("message", "required")
	}

	now := time.Now().UTC()
	d, err = s.store.MarkResponded(ctx, disputeID, now.Add(s.cfg.NegotiationWindow))
	if err != nil {
		return nil, err
	}
	d, err = s.store.AppendMessage(ctx, disputeID, Message{
		AuthorID: callerID,
		Body:     validation.SanitizeString(body, validation.MaxStringLength),
	})
	if err != nil {
		return nil, err
	}

	s.publish(d.ClaimantID, realtime.EventDisputeUpdated, d)
	return d, nil
}

// PostMessage appends to the dispute thread. InFavorOf optionally tags the
// message as supporting one party.
func (s *Service) PostMessage(ctx context.Context, disputeID, callerID, body string, inFavorOf *string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(callerID) == "" {
		return nil, ErrUnauthorized
	}
	if body == "" {
		return nil, validation.Errorf("body", "required")
	}
	if inFavorOf != nil && d.RoleOf(*inFavorOf) == "" {
		return nil, validation.Errorf("inFavorOf", "must name a dispute party")
	}

	d, err = s.store.AppendMessage(ctx, disputeID, Message{
		AuthorID:  callerID,
		Body:      validation.SanitizeString(body, validation.MaxStringLength),
		InFavorOf: inFavorOf,
	})
	if err != nil {
		return nil, err
	}
	s.publish(d.CounterpartOf(callerID), realtime.EventDisputeUpdated, d)
	return d, nil
}

// ProposeSettlement records a settlement round. The amount is bounded by the
// order's disputable amount: the flagged milestone sum, else the order total
// minus anything already released.
func (s *Service) ProposeSettlement(ctx context.Context, disputeID, callerID, amount string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	role := d.RoleOf(callerID)
	if role == "" {
		return nil, ErrUnauthorized
	}

	cents, ok := money.Parse(amount)
	if !ok || cents < 0 {
		return nil, validation.Errorf("amount", "must be a non-negative amount, got %q", amount)
	}
	disputable, err := s.disputableAmount(ctx, d)
	if err != nil {
		return nil, err
	}
	if cents > disputable {
		return nil, validation.Errorf("amount",
			"%s exceeds the disputable amount %s", money.Format(cents), money.Format(disputable))
	}

	d, err = s.store.AppendProposal(ctx, disputeID, SettlementOffer{
		Role:   role,
		Amount: money.Format(cents),
	})
	if err != nil {
		return nil, err
	}
	s.publish(d.CounterpartOf(callerID), realtime.EventDisputeUpdated, d)
	return d, nil
}

// AcceptSettlement closes the dispute on the other role's latest proposal.
// The accepted amount is refunded to the claimant, the remainder released to
// the respondent, and the order closed accordingly.
func (s *Service) AcceptSettlement(ctx context.Context, disputeID, callerID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AcceptSettlement", traces.DisputeID(disputeID), traces.UserID(callerID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	role := d.RoleOf(callerID)
	if role == "" {
		return nil, ErrUnauthorized
	}
	proposal := d.LatestProposalBy(otherRole(role))
	if proposal == nil {
		return nil, ErrNoCounterProposal
	}

	final, _ := money.Parse(proposal.Amount)
	winner, loser := d.ClaimantID, d.RespondentID
	if final == 0 {
		winner, loser = d.RespondentID, d.ClaimantID
	}

	closed, err := s.store.Close(ctx, disputeID, []Status{StatusResponded, StatusNegotiation}, Resolution{
		ClosedAt:    time.Now().UTC(),
		WinnerID:    winner,
		LoserID:     loser,
		FinalAmount: proposal.Amount,
		AcceptedBy:  callerID,
	})
	if err != nil {
		return nil, err
	}
	s.settleFunds(ctx, closed, final)

	metrics.DisputesClosedTotal.WithLabelValues("settlement").Inc()
	s.publish(closed.CounterpartOf(callerID), realtime.EventDisputeUpdated, closed)
	s.send(ctx, closed.ClaimantID, notify.TemplateDisputeSettled, map[string]string{
		"dispute": closed.Number, "amount": proposal.Amount,
	})
	s.send(ctx, closed.RespondentID, notify.TemplateDisputeSettled, map[string]string{
		"dispute": closed.Number, "amount": proposal.Amount,
	})
	return closed, nil
}

// RequestArbitration opts a party into paid arbitration. Escalation happens
// when the negotiation deadline has elapsed, or as soon as both parties have
// opted in. Escalating fixes the fee amount and fee deadline.
func (s *Service) RequestArbitration(ctx context.Context, disputeID, callerID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	role := d.RoleOf(callerID)
	if role == "" {
		return nil, ErrUnauthorized
	}

	now := time.Now().UTC()
	deadlinePassed := d.NegotiationDeadline != nil && !now.Before(*d.NegotiationDeadline)
	mutual := containsStr(d.Arbitration.RequestedBy, d.CounterpartOf(callerID))

	d, err = s.store.RequestArbitration(ctx, disputeID, callerID,
		deadlinePassed || mutual, s.cfg.ArbitrationFee, now.Add(s.cfg.FeeDeadline))
	if err != nil {
		return nil, err
	}

	if d.Arbitration.Requested {
		s.send(ctx, d.ClaimantID, notify.TemplateDisputeEscalated, map[string]string{
			"dispute": d.Number, "fee": d.Arbitration.FeeAmount,
		})
		s.send(ctx, d.RespondentID, notify.TemplateDisputeEscalated, map[string]string{
			"dispute": d.Number, "fee": d.Arbitration.FeeAmount,
		})
	}
	s.publish(d.CounterpartOf(callerID), realtime.EventDisputeUpdated, d)
	return d, nil
}

// PayArbitrationFee records one party's fee payment. Balance payments debit
// the ledger; other methods are recorded as settled externally. The dispute
// enters arbitration once both parties have paid.
func (s *Service) PayArbitrationFee(ctx context.Context, disputeID, callerID, method string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(callerID) == "" {
		return nil, ErrUnauthorized
	}
	if !d.Arbitration.Requested {
		return nil, ErrArbitrationPending
	}
	if d.HasPaid(callerID) {
		return nil, ErrFeeAlreadyPaid
	}

	charged := int64(-1)
	if method == string(ledger.RailBalance) {
		fee, ok := money.Parse(d.Arbitration.FeeAmount)
		if !ok {
			return nil, fmt.Errorf("malformed arbitration fee %q", d.Arbitration.FeeAmount)
		}
		if _, err := s.ledger.Charge(ctx, ledger.Entry{
			UserID:      callerID,
			Amount:      fee,
			Rail:        ledger.RailBalance,
			OrderID:     d.OrderID,
			Description: fmt.Sprintf("arbitration fee for dispute %s", d.Number),
		}); err != nil {
			return nil, err
		}
		charged = fee
	}

	// The store appends the payment and flips to arbitration in one
	// conditional update, so the pre-read above never decides the transition.
	updated, err := s.store.RecordFeePayment(ctx, disputeID, ArbitrationPayment{
		PayerID: callerID,
		Method:  method,
	})
	if err != nil {
		if charged >= 0 {
			if _, rerr := s.ledger.Refund(ctx, ledger.Entry{
				UserID:      callerID,
				Amount:      charged,
				Rail:        ledger.RailBalance,
				OrderID:     d.OrderID,
				Description: fmt.Sprintf("arbitration fee reversal for dispute %s", d.Number),
			}); rerr != nil {
				s.logger.Error("arbitration fee debited but not recorded, reversal failed",
					"dispute", disputeID, "payer", callerID, "amount", money.Format(charged), "error", rerr)
				return nil, fmt.Errorf("record arbitration fee (debit of %s not reversed): %w", money.Format(charged), err)
			}
		}
		return nil, err
	}
	d = updated

	metrics.ArbitrationFeesPaidTotal.Inc()
	s.publish(d.CounterpartOf(callerID), realtime.EventDisputeUpdated, d)
	return d, nil
}

// AdminDecide is the binding arbitration ruling. A claimant win refunds the
// full disputable amount; a respondent win releases everything to them.
func (s *Service) AdminDecide(ctx context.Context, disputeID, winnerID, notes string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AdminDecide", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(winnerID) == "" {
		return nil, validation.Errorf("winner", "must be the claimant or the respondent")
	}
	if d.Status != StatusArbitration {
		return nil, ErrInvalidState
	}

	var final int64
	if winnerID == d.ClaimantID {
		final, err = s.disputableAmount(ctx, d)
		if err != nil {
			return nil, err
		}
	}

	closed, err := s.store.Close(ctx, disputeID, []Status{StatusArbitration}, Resolution{
		ClosedAt:      time.Now().UTC(),
		WinnerID:      winnerID,
		LoserID:       d.CounterpartOf(winnerID),
		FinalAmount:   money.Format(final),
		AdminDecision: true,
		AdminNotes:    notes,
	})
	if err != nil {
		return nil, err
	}
	s.settleFunds(ctx, closed, final)

	metrics.DisputesClosedTotal.WithLabelValues("admin").Inc()
	s.notifyClosed(ctx, closed)
	return closed, nil
}

// AutoClose closes an open dispute whose response deadline elapsed without an
// answer, in the claimant's favor. Scheduler-only; it loses cleanly to a
// concurrent respond.
func (s *Service) AutoClose(ctx context.Context, disputeID string, now time.Time) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	final, err := s.disputableAmount(ctx, d)
	if err != nil {
		return nil, err
	}

	closed, err := s.store.AutoClose(ctx, disputeID, Resolution{
		ClosedAt:    now,
		WinnerID:    d.ClaimantID,
		LoserID:     d.RespondentID,
		FinalAmount: money.Format(final),
		AutoClosed:  true,
	}, now)
	if err != nil {
		return nil, err
	}
	s.settleFunds(ctx, closed, final)

	metrics.DisputesClosedTotal.WithLabelValues("auto").Inc()
	s.notifyClosed(ctx, closed)
	return closed, nil
}

// AutoCloseDue sweeps open disputes past their response deadline. Each
// dispute is isolated: one failure never aborts the rest.
func (s *Service) AutoCloseDue(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := s.store.ListAutoCloseDue(ctx, now, 200)
	if err != nil {
		s.logger.Error("list disputes due for auto-close", "error", err)
		return 0, 1
	}
	for _, d := range due {
		_, err := s.AutoClose(ctx, d.ID, now)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrInvalidState):
			// Lost the race to a concurrent respond or close.
		default:
			s.logger.Error("auto-close dispute", "dispute", d.ID, "error", err)
			failed++
		}
	}
	return processed, failed
}

// CounterpartOf returns the other dispute party.
func (d *Dispute) CounterpartOf(userID string) string {
	switch userID {
	case d.ClaimantID:
		return d.RespondentID
	case d.RespondentID:
		return d.ClaimantID
	}
	return ""
}

// disputableAmount is the upper bound on any settlement: the sum of flagged
// line items on milestone orders, else the order total minus anything already
// released to the seller.
func (s *Service) disputableAmount(ctx context.Context, d *Dispute) (int64, error) {
	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return 0, err
	}

	if len(d.FlaggedItems) > 0 {
		var sum int64
		for _, i := range d.FlaggedItems {
			if i < 0 || i >= len(o.LineItems) {
				continue
			}
			amount, ok := money.Parse(o.LineItems[i].Amount)
			if !ok {
				return 0, fmt.Errorf("malformed line item amount %q on order %s", o.LineItems[i].Amount, o.ID)
			}
			sum += amount
		}
		return sum, nil
	}

	total, ok := money.Parse(o.TotalAmount)
	if !ok {
		return 0, fmt.Errorf("malformed order total %q on order %s", o.TotalAmount, o.ID)
	}
	var released int64
	if o.AmountReleased != "" {
		released, ok = money.Parse(o.AmountReleased)
		if !ok {
			return 0, fmt.Errorf("malformed released amount %q on order %s", o.AmountReleased, o.ID)
		}
	}
	return total - released, nil
}

// settleFunds applies a closed dispute's money movement and closes the order.
// The final amount is refunded to the claimant; the rest of the order total
// is released to the respondent. A full refund cancels the order, anything
// else completes it. Failures here are logged loudly and left for
// reconciliation; the dispute stays closed either way.
func (s *Service) settleFunds(ctx context.Context, d *Dispute, final int64) {
	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		s.logger.Error("settle dispute funds: load order", "dispute", d.ID, "order", d.OrderID, "error", err)
		return
	}
	if o.PaymentStatus != orders.PaymentPaid {
		// Nothing captured, nothing to move.
		if _, err := s.orders.CloseDispute(ctx, o.ID, orders.StatusCancelled, "0.00", nil); err != nil {
			s.logger.Error("close disputed order", "order", o.ID, "error", err)
		}
		return
	}

	total, _ := money.Parse(o.TotalAmount)
	paid, ok := money.Parse(o.AmountPaid)
	if !ok {
		paid = total
	}

	var refs []string
	fullRefund := final >= total
	refund := final
	if fullRefund {
		// A full refund returns everything the buyer paid, service fee
		// included.
		refund = paid
	}

	if refund > 0 {
		tx, err := s.ledger.Refund(ctx, ledger.Entry{
			UserID:      d.ClaimantID,
			Amount:      refund,
			Rail:        ledger.RailBalance,
			OrderID:     o.ID,
			Description: fmt.Sprintf("dispute %s settlement", d.Number),
		})
		if err != nil {
			s.logger.Error("dispute refund", "dispute", d.ID, "claimant", d.ClaimantID, "error", err)
		} else {
			refs = append(refs, tx.ID)
		}
	}

	released := total - final
	if !fullRefund && released > 0 {
		tx, err := s.ledger.Deposit(ctx, ledger.Entry{
			UserID:      d.RespondentID,
			Amount:      released,
			Rail:        ledger.RailBalance,
			OrderID:     o.ID,
			Description: fmt.Sprintf("release after dispute %s", d.Number),
		})
		if err != nil {
			s.logger.Error("dispute release", "dispute", d.ID, "respondent", d.RespondentID, "error", err)
		} else {
			refs = append(refs, tx.ID)
		}
	}

	to := orders.StatusCompleted
	releasedAmount := money.Format(released)
	if fullRefund {
		to = orders.StatusCancelled
		releasedAmount = "0.00"
	}
	if _, err := s.orders.CloseDispute(ctx, o.ID, to, releasedAmount, refs); err != nil &&
		!errors.Is(err, orders.ErrAlreadyResolved) {
		s.logger.Error("close disputed order", "order", o.ID, "error", err)
	}
}

func (s *Service) notifyClosed(ctx context.Context, d *Dispute) {
	vars := map[string]string{"dispute": d.Number, "amount": d.Resolution.FinalAmount}
	s.send(ctx, d.ClaimantID, notify.TemplateDisputeClosed, vars)
	s.send(ctx, d.RespondentID, notify.TemplateDisputeClosed, vars)
	s.publish(d.ClaimantID, realtime.EventDisputeUpdated, d)
	s.publish(d.RespondentID, realtime.EventDisputeUpdated, d)
}

func otherRole(r Role) Role {
	if r == RoleClaimant {
		return RoleRespondent
	}
	return RoleClaimant
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
