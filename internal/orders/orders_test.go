package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *ledger.Ledger) {
	t.Helper()
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, l, 24*time.Hour)
	return svc, store, l
}

func seedActiveOrder(t *testing.T, store *MemoryStore) *Order {
	t.Helper()
	ctx := context.Background()
	o := &Order{
		BuyerID:  "buyer1",
		SellerID: "seller1",
		OfferID:  "ofr_test",
		LineItems: []LineItem{
			{Description: "logo design", UnitPrice: "300.00", Quantity: 1, Amount: "300.00"},
		},
		TotalAmount:    "300.00",
		ServiceFee:     "15.00",
		PaymentStatus:  PaymentPending,
		Status:         StatusOfferCreated,
		DeliveryStatus: DeliveryNone,
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

func TestDeliverApproveReleasesFunds(t *testing.T) {
	svc, store, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	delivered, err := svc.Deliver(ctx, o.ID, "seller1", []string{"final.zip"}, "done")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != StatusDelivered || delivered.DeliveryStatus != DeliveryComplete {
		t.Errorf("unexpected state after deliver: %s/%s", delivered.Status, delivered.DeliveryStatus)
	}

	completed, err := svc.ApproveDelivery(ctx, o.ID, "buyer1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if completed.PaymentStatus != PaymentReleased {
		t.Errorf("expected payment released, got %s", completed.PaymentStatus)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}

	bal, _ := l.GetBalance(ctx, "seller1")
	if bal != 30000 {
		t.Errorf("expected seller balance 30000, got %d", bal)
	}
}

func TestDeliverAuthorization(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.Deliver(ctx, o.ID, "buyer1", nil, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer delivering: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.ApproveDelivery(ctx, o.ID, "seller1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller approving: expected ErrUnauthorized, got %v", err)
	}
}

func TestApproveRequiresDelivered(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.ApproveDelivery(ctx, o.ID, "buyer1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved for in_progress order, got %v", err)
	}
}

func TestRevisionReopensOrder(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.Deliver(ctx, o.ID, "seller1", nil, "v1"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	reopened, err := svc.RequestRevision(ctx, o.ID, "buyer1", "wrong colors")
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if reopened.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", reopened.Status)
	}
	if len(reopened.Revisions) != 1 || reopened.Revisions[0].Reason != "wrong colors" {
		t.Errorf("expected recorded revision, got %+v", reopened.Revisions)
	}
}

func TestCancellationRespondApprove(t *testing.T) {
	svc, store, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	requested, err := svc.RequestCancellation(ctx, o.ID, "buyer1", "no longer needed")
	if err != nil {
		t.Fatalf("request cancellation: %v", err)
	}
	if requested.CancellationRequest == nil || requested.CancellationRequest.Status != RequestPending {
		t.Fatalf("expected pending cancellation, got %+v", requested.CancellationRequest)
	}

	// Requester cannot answer their own request.
	if _, err := svc.RespondCancellation(ctx, o.ID, "buyer1", true); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	cancelled, err := svc.RespondCancellation(ctx, o.ID, "seller1", true)
	if err != nil {
		t.Fatalf("respond cancellation: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancellationRequest.RespondedBy == nil || *cancelled.CancellationRequest.RespondedBy != "seller1" {
		t.Errorf("expected respondedBy seller1, got %v", cancelled.CancellationRequest.RespondedBy)
	}

	// The buyer's captured funds come back.
	bal, _ := l.GetBalance(ctx, "buyer1")
	if bal != 31500 {
		t.Errorf("expected refund of 31500, got balance %d", bal)
	}
}

func TestCancellationRespondReject(t *testing.T) {
	svc, store, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.RequestCancellation(ctx, o.ID, "seller1", "overcommitted"); err != nil {
		t.Fatalf("request: %v", err)
	}
	kept, err := svc.RespondCancellation(ctx, o.ID, "buyer1", false)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if kept.Status != StatusInProgress {
		t.Errorf("expected order to stay in_progress, got %s", kept.Status)
	}
	if kept.CancellationRequest.Status != RequestRejected {
		t.Errorf("expected rejected request, got %s", kept.CancellationRequest.Status)
	}

	bal, _ := l.GetBalance(ctx, "buyer1")
	if bal != 0 {
		t.Errorf("rejected cancellation must not refund, got balance %d", bal)
	}

	// A second request may follow a rejected one.
	if _, err := svc.RequestCancellation(ctx, o.ID, "seller1", "still overcommitted"); err != nil {
		t.Errorf("second request after rejection: %v", err)
	}
}

func TestDuplicateCancellationRejected(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.RequestCancellation(ctx, o.ID, "buyer1", "first"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.RequestCancellation(ctx, o.ID, "seller1", "second"); !errors.Is(err, ErrCancellationPending) {
		t.Errorf("expected ErrCancellationPending, got %v", err)
	}
}

func TestAutoCancelUnansweredRequest(t *testing.T) {
	svc, store, l := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.RequestCancellation(ctx, o.ID, "buyer1", "changed my mind"); err != nil {
		t.Fatalf("request: %v", err)
	}

	// Before the deadline the sweep does nothing.
	processed, failed := svc.AutoCancelDue(ctx, time.Now().UTC())
	if processed != 0 || failed != 0 {
		t.Fatalf("sweep before deadline: processed=%d failed=%d", processed, failed)
	}

	processed, failed = svc.AutoCancelDue(ctx, time.Now().UTC().Add(25*time.Hour))
	if processed != 1 || failed != 0 {
		t.Fatalf("sweep after deadline: processed=%d failed=%d", processed, failed)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CancellationRequest.Status != RequestApproved {
		t.Errorf("expected approved request, got %s", got.CancellationRequest.Status)
	}
	if got.CancellationRequest.RespondedBy != nil {
		t.Errorf("auto-approval must leave respondedBy nil, got %v", *got.CancellationRequest.RespondedBy)
	}
	bal, _ := l.GetBalance(ctx, "buyer1")
	if bal != 31500 {
		t.Errorf("expected refund after auto-cancel, got balance %d", bal)
	}
}

func TestRespondVersusAutoCancelSingleWinner(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.RequestCancellation(ctx, o.ID, "buyer1", "race me"); err != nil {
		t.Fatalf("request: %v", err)
	}
	// Force the deadline into the past so both paths are eligible.
	past := time.Now().UTC().Add(-time.Minute)
	store.mu.Lock()
	store.orders[o.ID].CancellationRequest.Deadline = past
	store.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = store.RespondCancellation(ctx, o.ID, false, "seller1", time.Now().UTC())
	}()
	go func() {
		defer wg.Done()
		_, results[1] = store.AutoApproveCancellation(ctx, o.ID, time.Now().UTC())
	}()
	wg.Wait()

	// The explicit response is past-deadline so the sweep must win; either
	// way, exactly one writer succeeds.
	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyResponded) {
			t.Errorf("loser must get ErrAlreadyResponded, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestExtensionApproveMovesDeadline(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)
	before := *o.DeliveryDeadline

	if _, err := svc.RequestExtension(ctx, o.ID, "seller1", 3, "need more time"); err != nil {
		t.Fatalf("request extension: %v", err)
	}
	updated, err := svc.RespondExtension(ctx, o.ID, "buyer1", true)
	if err != nil {
		t.Fatalf("respond extension: %v", err)
	}

	want := before.AddDate(0, 0, 3)
	if !updated.DeliveryDeadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, updated.DeliveryDeadline)
	}
	if updated.ExtensionRequest.Status != RequestApproved {
		t.Errorf("expected approved, got %s", updated.ExtensionRequest.Status)
	}
}

func TestExtensionValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := svc.RequestExtension(ctx, o.ID, "seller1", 0, "zero days"); err == nil {
		t.Error("expected validation error for zero days")
	}
	if _, err := svc.RequestExtension(ctx, o.ID, "buyer1", 3, "not my call"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMarkDisputedGuards(t *testing.T) {
	_, store, _ := newTestService(t)
	ctx := context.Background()
	o := seedActiveOrder(t, store)

	if _, err := store.MarkDisputed(ctx, o.ID, "dsp_1"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	if _, err := store.MarkDisputed(ctx, o.ID, "dsp_2"); !errors.Is(err, ErrDisputeAlreadyActive) {
		t.Errorf("expected ErrDisputeAlreadyActive, got %v", err)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusDisputed || got.DisputeID != "dsp_1" {
		t.Errorf("unexpected state: %s dispute=%s", got.Status, got.DisputeID)
	}
}
