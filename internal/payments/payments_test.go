package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianworks/meridian/internal/ledger"
)

type mockCardGateway struct {
	result *ChargeResult
	err    error
	calls  int
}

func (m *mockCardGateway) CreateCharge(_ context.Context, amount int64, _ string) (*ChargeResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &ChargeResult{ExternalID: "ch_test", Amount: amount}, nil
}

type mockWalletGateway struct {
	result *ChargeResult
	err    error
}

func (m *mockWalletGateway) CreateRemoteOrder(_ context.Context, _ int64) (string, string, error) {
	return "https://wallet.example/approve/wo_1", "wo_1", nil
}

func (m *mockWalletGateway) CaptureRemoteOrder(_ context.Context, _ string) (*ChargeResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// failingStore wraps a ledger store and fails Append for a chosen entry type.
type failingStore struct {
	ledger.Store
	failType ledger.Type
}

func (f *failingStore) Append(ctx context.Context, e ledger.Entry) (*ledger.Transaction, error) {
	if e.Type == f.failType {
		return nil, errors.New("store unavailable")
	}
	return f.Store.Append(ctx, e)
}

func newTestService(store ledger.Store) (*Service, *ledger.Ledger) {
	l := ledger.New(store)
	return NewService(l, NewMemoryWarningStore(), 2.9, 5*time.Second), l
}

func TestCaptureBalanceRail(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, ledger.Entry{UserID: "u1", Amount: 10000, Rail: ledger.RailBalance}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	res, err := svc.Capture(ctx, "u1", 2500, ledger.RailBalance, Context{OrderID: "ORD-000001", Description: "order payment"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(res.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(res.Transactions))
	}
	if res.Transactions[0].Type != ledger.TypePayment {
		t.Errorf("expected payment entry, got %s", res.Transactions[0].Type)
	}

	bal, _ := l.GetBalance(ctx, "u1")
	if bal != 7500 {
		t.Errorf("expected balance 7500, got %d", bal)
	}
}

func TestCaptureBalanceInsufficientFunds(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	ctx := context.Background()

	_, err := svc.Capture(ctx, "u1", 2500, ledger.RailBalance, Context{OrderID: "ORD-000001"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	history, _ := l.History(ctx, "u1", nil, 10)
	if len(history) != 0 {
		t.Errorf("failed capture must leave no ledger entries, got %d", len(history))
	}
}

func TestCaptureCardSuccess(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	gw := &mockCardGateway{}
	svc.WithCardGateway(gw)
	ctx := context.Background()

	res, err := svc.Capture(ctx, "u1", 10000, ledger.RailCard, Context{OrderID: "ORD-000001", CardToken: "pm_test"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("expected deposit+debit, got %d transactions", len(res.Transactions))
	}
	if res.Transactions[0].Type != ledger.TypeDeposit || res.Transactions[1].Type != ledger.TypePayment {
		t.Errorf("expected [deposit, payment], got [%s, %s]", res.Transactions[0].Type, res.Transactions[1].Type)
	}

	// Deposit and debit cancel out: the captured funds went to the order,
	// not the user's spendable balance.
	bal, _ := l.GetBalance(ctx, "u1")
	if bal != 0 {
		t.Errorf("expected balance 0 after capture, got %d", bal)
	}
}

func TestCaptureCardChargesGatewayFee(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _ := newTestService(store)
	gw := &mockCardGateway{}
	svc.WithCardGateway(gw)

	var charged int64
	svc.card = cardFunc(func(_ context.Context, amount int64, _ string) (*ChargeResult, error) {
		charged = amount
		return &ChargeResult{ExternalID: "ch_1", Amount: amount}, nil
	})

	if _, err := svc.Capture(context.Background(), "u1", 10000, ledger.RailCard, Context{CardToken: "pm_test"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	// 2.9% of 100.00 is 2.90.
	if charged != 10290 {
		t.Errorf("expected gateway charged 10290, got %d", charged)
	}
}

type cardFunc func(ctx context.Context, amount int64, token string) (*ChargeResult, error)

func (f cardFunc) CreateCharge(ctx context.Context, amount int64, token string) (*ChargeResult, error) {
	return f(ctx, amount, token)
}

func TestCaptureCardDeclineLeavesNoTrace(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	svc.WithCardGateway(&mockCardGateway{
		err: &GatewayError{Rail: ledger.RailCard, RetrySafe: true, Err: errors.New("card_declined")},
	})
	ctx := context.Background()

	res, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{OrderID: "ORD-000001", CardToken: "pm_bad"})
	if err == nil {
		t.Fatal("expected decline error")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if !gwErr.RetrySafe {
		t.Error("a definite decline must be retry-safe")
	}
	if res != nil {
		t.Errorf("expected nil result on decline, got %+v", res)
	}

	history, _ := l.History(ctx, "u1", nil, 10)
	if len(history) != 0 {
		t.Errorf("decline must not write ledger entries, got %d", len(history))
	}
	open, _ := svc.OpenWarnings(ctx, 10)
	if len(open) != 0 {
		t.Errorf("decline must not queue warnings, got %d", len(open))
	}
}

func TestCaptureAmbiguousOutcomeQueuesWarning(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	svc.WithCardGateway(&mockCardGateway{
		err: &GatewayError{Rail: ledger.RailCard, RetrySafe: false, Err: context.DeadlineExceeded},
	})
	ctx := context.Background()

	res, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{OrderID: "ORD-000001", CardToken: "pm_slow"})
	if err == nil {
		t.Fatal("expected error")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if gwErr.RetrySafe {
		t.Error("a timeout outcome must not be retry-safe")
	}

	if res == nil || res.Warning == nil {
		t.Fatal("expected a consistency warning on the result")
	}
	if res.Warning.Stage != StageAmbiguousGateway {
		t.Errorf("expected stage %s, got %s", StageAmbiguousGateway, res.Warning.Stage)
	}

	open, err := svc.OpenWarnings(ctx, 10)
	if err != nil {
		t.Fatalf("list warnings: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open warning, got %d", len(open))
	}

	history, _ := l.History(ctx, "u1", nil, 10)
	if len(history) != 0 {
		t.Errorf("ambiguous outcome must not write ledger entries, got %d", len(history))
	}
}

func TestCaptureSlowGatewayTimesOut(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := ledger.New(store)
	svc := NewService(l, NewMemoryWarningStore(), 2.9, 20*time.Millisecond)
	svc.WithCardGateway(cardFunc(func(ctx context.Context, _ int64, _ string) (*ChargeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := svc.Capture(context.Background(), "u1", 5000, ledger.RailCard, Context{CardToken: "pm_slow"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.RetrySafe {
		t.Error("a timed-out charge must not be retry-safe")
	}
}

func TestCaptureDebitFailureLeavesDepositStanding(t *testing.T) {
	store := &failingStore{Store: ledger.NewMemoryStore(), failType: ledger.TypePayment}
	svc, l := newTestService(store)
	svc.WithCardGateway(&mockCardGateway{})
	ctx := context.Background()

	res, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{OrderID: "ORD-000001", CardToken: "pm_test"})
	if !errors.Is(err, ErrCaptureIncomplete) {
		t.Fatalf("expected ErrCaptureIncomplete, got %v", err)
	}

	// The deposit stands: funds truly arrived at the gateway.
	if res == nil || len(res.Transactions) != 1 {
		t.Fatalf("expected the deposit in the result, got %+v", res)
	}
	if res.Transactions[0].Type != ledger.TypeDeposit {
		t.Errorf("expected deposit, got %s", res.Transactions[0].Type)
	}
	bal, _ := l.GetBalance(ctx, "u1")
	if bal != 5000 {
		t.Errorf("expected balance 5000 (deposit standing), got %d", bal)
	}

	if res.Warning == nil || res.Warning.Stage != StageDebitFailed {
		t.Fatalf("expected %s warning, got %+v", StageDebitFailed, res.Warning)
	}
	open, _ := svc.OpenWarnings(ctx, 10)
	if len(open) != 1 {
		t.Errorf("expected 1 open warning, got %d", len(open))
	}
}

func TestCaptureExternalWalletSuccess(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _ := newTestService(store)
	svc.WithWalletGateway(&mockWalletGateway{
		result: &ChargeResult{ExternalID: "cap_1", Amount: 5145},
	})

	res, err := svc.Capture(context.Background(), "u1", 5000, ledger.RailExternal,
		Context{OrderID: "ORD-000001", ExternalOrderID: "wo_1"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("expected deposit+debit, got %d", len(res.Transactions))
	}
	if res.Transactions[0].ExternalRef != "cap_1" {
		t.Errorf("expected deposit to carry the capture reference, got %q", res.Transactions[0].ExternalRef)
	}
}

func TestCaptureUnconfiguredRail(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _ := newTestService(store)

	_, err := svc.Capture(context.Background(), "u1", 5000, ledger.RailCard, Context{CardToken: "pm_test"})
	if !errors.Is(err, ErrRailUnavailable) {
		t.Fatalf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestCaptureMissingRailInputs(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _ := newTestService(store)
	svc.WithCardGateway(&mockCardGateway{}).WithWalletGateway(&mockWalletGateway{})
	ctx := context.Background()

	if _, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{}); !errors.Is(err, ErrMissingCard) {
		t.Errorf("expected ErrMissingCard, got %v", err)
	}
	if _, err := svc.Capture(ctx, "u1", 5000, ledger.RailExternal, Context{}); !errors.Is(err, ErrMissingRemoteRef) {
		t.Errorf("expected ErrMissingRemoteRef, got %v", err)
	}
	if _, err := svc.Capture(ctx, "u1", 5000, "wire", Context{}); !errors.Is(err, ErrUnknownRail) {
		t.Errorf("expected ErrUnknownRail, got %v", err)
	}
}

func TestResolveWarning(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _ := newTestService(store)
	svc.WithCardGateway(&mockCardGateway{
		err: &GatewayError{Rail: ledger.RailCard, RetrySafe: false, Err: errors.New("gateway 502")},
	})
	ctx := context.Background()

	res, _ := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{CardToken: "pm_test"})
	if res == nil || res.Warning == nil {
		t.Fatal("expected warning")
	}

	if err := svc.ResolveWarning(ctx, res.Warning.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, _ := svc.OpenWarnings(ctx, 10)
	if len(open) != 0 {
		t.Errorf("expected no open warnings after resolve, got %d", len(open))
	}

	if err := svc.ResolveWarning(ctx, "cwr_missing"); !errors.Is(err, ErrWarningNotFound) {
		t.Errorf("expected ErrWarningNotFound, got %v", err)
	}
}

func TestCaptureSuspendsRailAfterRepeatedFailures(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, l := newTestService(store)
	gw := &mockCardGateway{
		err: &GatewayError{Rail: ledger.RailCard, RetrySafe: true, Err: errors.New("card declined")},
	}
	svc.WithCardGateway(gw)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{CardToken: "pm_test"}); err == nil {
			t.Fatal("expected decline")
		}
	}

	// Circuit is open: the next capture is rejected without a gateway call.
	_, err := svc.Capture(ctx, "u1", 5000, ledger.RailCard, Context{CardToken: "pm_test"})
	if !errors.Is(err, ErrRailSuspended) {
		t.Fatalf("expected ErrRailSuspended, got %v", err)
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.RetrySafe {
		t.Error("suspended rail must be retry-safe")
	}
	if gw.calls != 5 {
		t.Errorf("gateway calls = %d, want 5", gw.calls)
	}

	// The balance rail has its own circuit and still works.
	if _, err := l.Deposit(ctx, ledger.Entry{UserID: "u1", Amount: 10000, Rail: ledger.RailBalance}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	if _, err := svc.Capture(ctx, "u1", 5000, ledger.RailBalance, Context{}); err != nil {
		t.Errorf("balance capture: %v", err)
	}
}
