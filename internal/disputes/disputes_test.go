package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/orders"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *orders.MemoryStore, *ledger.Ledger) {
	t.Helper()
	store := NewMemoryStore()
	orderStore := orders.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, orderStore, l, Config{
		ResponseWindow:    72 * time.Hour,
		NegotiationWindow: 5 * 24 * time.Hour,
		FeeDeadline:       48 * time.Hour,
		ArbitrationFee:    "25.00",
	})
	return svc, store, orderStore, l
}

func seedActiveOrder(t *testing.T, store *orders.MemoryStore) *orders.Order {
	t.Helper()
	ctx := context.Background()
	o := &orders.Order{
		BuyerID:  "client1",
		SellerID: "pro1",
		OfferID:  "ofr_test",
		LineItems: []orders.LineItem{
			{Description: "draft", UnitPrice: "100.00", Quantity: 1, Amount: "100.00"},
			{Description: "final", UnitPrice: "200.00", Quantity: 1, Amount: "200.00"},
		},
		TotalAmount:    "300.00",
		ServiceFee:     "15.00",
		PaymentStatus:  orders.PaymentPending,
		Status:         orders.StatusOfferCreated,
		DeliveryStatus: orders.DeliveryNone,
		DeliveryDays:   5,
	}
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	deadline := time.Now().UTC().AddDate(0, 0, 5)
	activated, err := store.Activate(ctx, o.ID, ledger.RailBalance, "315.00", []string{"txn_1"}, deadline)
	if err != nil {
		t.Fatalf("activate order: %v", err)
	}
	return activated
}

func raise(t *testing.T, svc *Service, orderID string) *Dispute {
	t.Helper()
	d, err := svc.Raise(context.Background(), orderID, "client1", "work does not match the brief", nil)
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	return d
}

func TestRaiseDispute(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)

	d := raise(t, svc, o.ID)
	if d.Status != StatusOpen {
		t.Errorf("expected open, got %s", d.Status)
	}
	if d.ClaimantID != "client1" || d.RespondentID != "pro1" {
		t.Errorf("wrong parties: claimant=%s respondent=%s", d.ClaimantID, d.RespondentID)
	}

	updated, _ := orderStore.Get(ctx, o.ID)
	if updated.Status != orders.StatusDisputed {
		t.Errorf("expected disputed order, got %s", updated.Status)
	}
	if updated.DisputeID != d.ID {
		t.Errorf("order not linked to dispute: %s", updated.DisputeID)
	}

	// A second active dispute on the same order is rejected.
	if _, err := svc.Raise(ctx, o.ID, "pro1", "counter claim", nil); !errors.Is(err, orders.ErrDisputeAlreadyActive) {
		t.Errorf("expected ErrDisputeAlreadyActive, got %v", err)
	}
}

func TestRaiseRequiresActiveOrder(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()

	o := &orders.Order{
		BuyerID: "client1", SellerID: "pro1",
		TotalAmount: "50.00", ServiceFee: "2.50",
		PaymentStatus: orders.PaymentPending, Status: orders.StatusOfferCreated,
		DeliveryStatus: orders.DeliveryNone, DeliveryDays: 2,
		LineItems: []orders.LineItem{{Description: "x", UnitPrice: "50.00", Quantity: 1, Amount: "50.00"}},
	}
	if err := orderStore.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Raise(ctx, o.ID, "client1", "too slow", nil); !errors.Is(err, orders.ErrAlreadyResolved) {
		t.Errorf("expected state conflict on offer_created order, got %v", err)
	}
	if _, err := svc.Raise(ctx, o.ID, "stranger", "not mine", nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSettlementLifecycle(t *testing.T) {
	svc, _, orderStore, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	// Respondent answers within the window.
	d, err := svc.Respond(ctx, d.ID, "pro1", "the brief changed midway")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if d.Status != StatusResponded {
		t.Errorf("expected responded, got %s", d.Status)
	}
	if d.NegotiationDeadline == nil {
		t.Fatal("expected negotiation deadline to be set")
	}

	// Both parties converge on 150.
	if _, err := svc.ProposeSettlement(ctx, d.ID, "client1", "150.00"); err != nil {
		t.Fatalf("claimant proposal: %v", err)
	}
	d, err = svc.ProposeSettlement(ctx, d.ID, "pro1", "150.00")
	if err != nil {
		t.Fatalf("respondent proposal: %v", err)
	}
	if d.Status != StatusNegotiation {
		t.Errorf("expected negotiation, got %s", d.Status)
	}
	if len(d.OfferHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(d.OfferHistory))
	}

	closed, err := svc.AcceptSettlement(ctx, d.ID, "client1")
	if err != nil {
		t.Fatalf("accept settlement: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("expected closed, got %s", closed.Status)
	}
	if closed.Resolution == nil || closed.Resolution.FinalAmount != "150.00" {
		t.Fatalf("unexpected resolution: %+v", closed.Resolution)
	}
	if closed.Resolution.AcceptedBy != "client1" {
		t.Errorf("expected acceptedBy client1, got %s", closed.Resolution.AcceptedBy)
	}

	// 150 back to the claimant, 150 released to the respondent.
	clientBal, _ := l.GetBalance(ctx, "client1")
	proBal, _ := l.GetBalance(ctx, "pro1")
	if clientBal != 15000 || proBal != 15000 {
		t.Errorf("split not applied: client=%d pro=%d", clientBal, proBal)
	}

	final, _ := orderStore.Get(ctx, o.ID)
	if final.Status != orders.StatusCompleted {
		t.Errorf("split settlement should complete the order, got %s", final.Status)
	}
	if final.PaymentStatus != orders.PaymentReleased {
		t.Errorf("expected released, got %s", final.PaymentStatus)
	}
}

func TestAcceptRequiresCounterProposal(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	if _, err := svc.Respond(ctx, d.ID, "pro1", "disagree"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptSettlement(ctx, d.ID, "client1"); !errors.Is(err, ErrNoCounterProposal) {
		t.Errorf("expected ErrNoCounterProposal, got %v", err)
	}

	// Your own proposal is not acceptable by you.
	if _, err := svc.ProposeSettlement(ctx, d.ID, "client1", "100.00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptSettlement(ctx, d.ID, "client1"); !errors.Is(err, ErrNoCounterProposal) {
		t.Errorf("expected ErrNoCounterProposal for own proposal, got %v", err)
	}
	if _, err := svc.AcceptSettlement(ctx, d.ID, "pro1"); err != nil {
		t.Errorf("respondent accepting claimant proposal: %v", err)
	}
}

func TestProposalBoundedByDisputable(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)

	// Only the second milestone (200.00) is flagged.
	d, err := svc.Raise(ctx, o.ID, "client1", "final milestone unusable", []int{1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Respond(ctx, d.ID, "pro1", "disagree"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ProposeSettlement(ctx, d.ID, "client1", "250.00"); err == nil {
		t.Error("expected proposal above flagged sum to be rejected")
	}
	if _, err := svc.ProposeSettlement(ctx, d.ID, "client1", "200.00"); err != nil {
		t.Errorf("proposal at the flagged sum: %v", err)
	}
}

func TestOfferHistoryAppendOnly(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	if _, err := svc.Respond(ctx, d.ID, "pro1", "disagree"); err != nil {
		t.Fatal(err)
	}
	amounts := []string{"100.00", "120.00", "90.00"}
	parties := []string{"client1", "pro1", "client1"}
	for i := range amounts {
		updated, err := svc.ProposeSettlement(ctx, d.ID, parties[i], amounts[i])
		if err != nil {
			t.Fatalf("proposal %d: %v", i, err)
		}
		if len(updated.OfferHistory) != i+1 {
			t.Fatalf("history length %d after %d proposals", len(updated.OfferHistory), i+1)
		}
		if updated.OfferHistory[i].Amount != amounts[i] {
			t.Errorf("history rewritten at %d: %s", i, updated.OfferHistory[i].Amount)
		}
	}
}

func TestFullRefundCancelsOrder(t *testing.T) {
	svc, _, orderStore, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	if _, err := svc.Respond(ctx, d.ID, "pro1", "fine, refund it"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ProposeSettlement(ctx, d.ID, "pro1", "300.00"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptSettlement(ctx, d.ID, "client1"); err != nil {
		t.Fatal(err)
	}

	// The full refund includes the service fee the buyer paid.
	clientBal, _ := l.GetBalance(ctx, "client1")
	if clientBal != 31500 {
		t.Errorf("expected full 31500 refund, got %d", clientBal)
	}
	proBal, _ := l.GetBalance(ctx, "pro1")
	if proBal != 0 {
		t.Errorf("respondent must get nothing on a full refund, got %d", proBal)
	}

	final, _ := orderStore.Get(ctx, o.ID)
	if final.Status != orders.StatusCancelled {
		t.Errorf("full refund should cancel the order, got %s", final.Status)
	}
	if final.PaymentStatus != orders.PaymentRefunded {
		t.Errorf("expected refunded, got %s", final.PaymentStatus)
	}
}

func TestArbitrationPath(t *testing.T) {
	svc, _, orderStore, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	if _, err := svc.Respond(ctx, d.ID, "pro1", "disagree"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ProposeSettlement(ctx, d.ID, "client1", "200.00"); err != nil {
		t.Fatal(err)
	}

	// Fees are paid from balance; seed both parties.
	for _, u := range []string{"client1", "pro1"} {
		if _, err := l.Deposit(ctx, ledger.Entry{UserID: u, Amount: 5000, Rail: ledger.RailBalance}); err != nil {
			t.Fatal(err)
		}
	}

	// One opt-in before the deadline only records the request.
	d, err := svc.RequestArbitration(ctx, d.ID, "client1")
	if err != nil {
		t.Fatalf("first opt-in: %v", err)
	}
	if d.Arbitration.Requested {
		t.Fatal("one opt-in must not escalate before the deadline")
	}
	if _, err := svc.PayArbitrationFee(ctx, d.ID, "client1", "balance"); !errors.Is(err, ErrArbitrationPending) {
		t.Errorf("paying before escalation: expected ErrArbitrationPending, got %v", err)
	}

	// Mutual opt-in escalates and fixes the fee.
	d, err = svc.RequestArbitration(ctx, d.ID, "pro1")
	if err != nil {
		t.Fatalf("second opt-in: %v", err)
	}
	if !d.Arbitration.Requested || d.Arbitration.FeeAmount != "25.00" {
		t.Fatalf("expected escalation with 25.00 fee, got %+v", d.Arbitration)
	}

	d, err = svc.PayArbitrationFee(ctx, d.ID, "client1", "balance")
	if err != nil {
		t.Fatalf("claimant fee: %v", err)
	}
	if d.Status != StatusNegotiation {
		t.Errorf("one payment must not enter arbitration, got %s", d.Status)
	}
	if _, err := svc.PayArbitrationFee(ctx, d.ID, "client1", "balance"); !errors.Is(err, ErrFeeAlreadyPaid) {
		t.Errorf("double payment: expected ErrFeeAlreadyPaid, got %v", err)
	}

	d, err = svc.PayArbitrationFee(ctx, d.ID, "pro1", "balance")
	if err != nil {
		t.Fatalf("respondent fee: %v", err)
	}
	if d.Status != StatusArbitration {
		t.Fatalf("expected arbitration after both fees, got %s", d.Status)
	}
	bal, _ := l.GetBalance(ctx, "client1")
	if bal != 2500 {
		t.Errorf("fee not debited, balance %d", bal)
	}

	// Binding decision for the claimant refunds the full disputable amount.
	closed, err := svc.AdminDecide(ctx, d.ID, "client1", "provider did not meet the brief")
	if err != nil {
		t.Fatalf("admin decide: %v", err)
	}
	if !closed.Resolution.AdminDecision || closed.Resolution.WinnerID != "client1" {
		t.Fatalf("unexpected resolution: %+v", closed.Resolution)
	}
	clientBal, _ := l.GetBalance(ctx, "client1")
	if clientBal != 2500+31500 {
		t.Errorf("expected full refund on top of remaining balance, got %d", clientBal)
	}
	final, _ := orderStore.Get(ctx, o.ID)
	if final.Status != orders.StatusCancelled {
		t.Errorf("claimant win should cancel the order, got %s", final.Status)
	}
}

func escalate(t *testing.T, svc *Service, disputeID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Respond(ctx, disputeID, "pro1", "disagree"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RequestArbitration(ctx, disputeID, "client1"); err != nil {
		t.Fatal(err)
	}
	d, err := svc.RequestArbitration(ctx, disputeID, "pro1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Arbitration.Requested {
		t.Fatal("mutual opt-in must escalate")
	}
}

func TestConcurrentFeePaymentsEnterArbitration(t *testing.T) {
	svc, _, orderStore, l := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		o := seedActiveOrder(t, orderStore)
		d := raise(t, svc, o.ID)
		escalate(t, svc, d.ID)

		for _, u := range []string{"client1", "pro1"} {
			if _, err := l.Deposit(ctx, ledger.Entry{UserID: u, Amount: 2500, Rail: ledger.RailBalance}); err != nil {
				t.Fatal(err)
			}
		}

		// Both parties pay at once; neither may decide the transition from
		// a read taken before the other's payment landed.
		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, u := range []string{"client1", "pro1"} {
			wg.Add(1)
			go func(payer string) {
				defer wg.Done()
				<-start
				_, err := svc.PayArbitrationFee(ctx, d.ID, payer, "balance")
				errs <- err
			}(u)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("fee payment: %v", err)
			}
		}

		got, err := svc.Get(ctx, d.ID, "client1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Arbitration.Payments) != 2 {
			t.Fatalf("expected 2 payments, got %d", len(got.Arbitration.Payments))
		}
		if got.Status != StatusArbitration {
			t.Fatalf("both fees paid but dispute in %s", got.Status)
		}
	}
}

type feeWriteConflictStore struct {
	*MemoryStore
	failNext bool
}

func (s *feeWriteConflictStore) RecordFeePayment(ctx context.Context, id string, p ArbitrationPayment) (*Dispute, error) {
	if s.failNext {
		s.failNext = false
		return nil, errors.New("write conflict")
	}
	return s.MemoryStore.RecordFeePayment(ctx, id, p)
}

func TestFeeDebitReversedWhenRecordFails(t *testing.T) {
	store := &feeWriteConflictStore{MemoryStore: NewMemoryStore()}
	orderStore := orders.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, orderStore, l, Config{
		ResponseWindow:    72 * time.Hour,
		NegotiationWindow: 5 * 24 * time.Hour,
		FeeDeadline:       48 * time.Hour,
		ArbitrationFee:    "25.00",
	})
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)
	escalate(t, svc, d.ID)

	if _, err := l.Deposit(ctx, ledger.Entry{UserID: "client1", Amount: 2500, Rail: ledger.RailBalance}); err != nil {
		t.Fatal(err)
	}

	store.failNext = true
	if _, err := svc.PayArbitrationFee(ctx, d.ID, "client1", "balance"); err == nil {
		t.Fatal("expected the record failure to surface")
	}

	// The debit must not survive a failed record.
	bal, _ := l.GetBalance(ctx, "client1")
	if bal != 2500 {
		t.Fatalf("expected fee debit reversed, balance %d", bal)
	}

	// A retry charges and records cleanly.
	updated, err := svc.PayArbitrationFee(ctx, d.ID, "client1", "balance")
	if err != nil {
		t.Fatalf("retry after reversal: %v", err)
	}
	if len(updated.Arbitration.Payments) != 1 {
		t.Fatalf("expected 1 recorded payment, got %d", len(updated.Arbitration.Payments))
	}
	bal, _ = l.GetBalance(ctx, "client1")
	if bal != 0 {
		t.Fatalf("expected fee debited once, balance %d", bal)
	}
}

func TestAdminDecideOutsideArbitration(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	if _, err := svc.AdminDecide(ctx, d.ID, "client1", "premature"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestAutoCloseUnansweredDispute(t *testing.T) {
	svc, _, orderStore, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	// Past the response deadline with no answer.
	later := time.Now().UTC().Add(73 * time.Hour)
	processed, failed := svc.AutoCloseDue(ctx, later)
	if processed != 1 || failed != 0 {
		t.Fatalf("expected 1 processed, got %d/%d", processed, failed)
	}

	closed, _ := svc.Get(ctx, d.ID, "client1")
	if closed.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
	if !closed.Resolution.AutoClosed {
		t.Error("expected autoClosed")
	}
	if closed.Resolution.WinnerID != "client1" {
		t.Errorf("auto-close must favor the claimant, got %s", closed.Resolution.WinnerID)
	}

	// Full refund in the claimant's favor.
	bal, _ := l.GetBalance(ctx, "client1")
	if bal != 31500 {
		t.Errorf("expected 31500 refund, got %d", bal)
	}

	// A late respond fails with no side effects.
	if _, err := svc.Respond(ctx, d.ID, "pro1", "too late"); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestRespondVersusAutoCloseSingleWinner(t *testing.T) {
	svc, store, orderStore, l := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		o := seedActiveOrder(t, orderStore)
		d := raise(t, svc, o.ID)

		// Force the deadline into the past so both writers fire.
		now := time.Now().UTC()
		store.mu.Lock()
		store.disputes[d.ID].ResponseDeadline = now
		store.mu.Unlock()

		var wg sync.WaitGroup
		var respondErr, closeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, respondErr = svc.Respond(ctx, d.ID, "pro1", "answering now")
		}()
		go func() {
			defer wg.Done()
			_, closeErr = svc.AutoClose(ctx, d.ID, now)
		}()
		wg.Wait()

		got, _ := store.Get(ctx, d.ID)
		switch {
		case got.Status == StatusResponded:
			if respondErr != nil {
				t.Fatalf("responded but respond errored: %v", respondErr)
			}
			if closeErr == nil {
				t.Fatal("losing auto-close must error")
			}
		case got.Status == StatusClosed:
			if closeErr != nil {
				t.Fatalf("closed but auto-close errored: %v", closeErr)
			}
			if !errors.Is(respondErr, ErrAlreadyClosed) {
				t.Fatalf("losing respond: expected ErrAlreadyClosed, got %v", respondErr)
			}
		default:
			t.Fatalf("dispute ended in %s", got.Status)
		}

		// Drain the claimant balance so refunds from earlier rounds do not
		// bleed into the next assertion.
		if bal, _ := l.GetBalance(ctx, "client1"); bal > 0 {
			if _, err := l.Charge(ctx, ledger.Entry{UserID: "client1", Amount: bal, Rail: ledger.RailBalance}); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestMessageThread(t *testing.T) {
	svc, _, orderStore, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, orderStore)
	d := raise(t, svc, o.ID)

	favor := "client1"
	d, err := svc.PostMessage(ctx, d.ID, "pro1", "the draft was approved earlier", &favor)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if len(d.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d.Messages))
	}
	if d.Messages[0].InFavorOf == nil || *d.Messages[0].InFavorOf != "client1" {
		t.Error("in-favor-of tag lost")
	}

	if _, err := svc.PostMessage(ctx, d.ID, "stranger", "hello", nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	bogus := "stranger"
	if _, err := svc.PostMessage(ctx, d.ID, "pro1", "tagged wrong", &bogus); err == nil {
		t.Error("expected in-favor-of validation error")
	}
}
