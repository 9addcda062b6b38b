package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meridianworks/meridian/internal/testutil"
)

func TestPostgresLedgerRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := l.Deposit(ctx, Entry{UserID: "client1", Amount: 10000, Rail: RailCard, ExternalRef: "ch_1"}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := l.Charge(ctx, Entry{UserID: "client1", Amount: 3150, Rail: RailBalance, OrderID: "ord_1"}); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	balance, err := l.GetBalance(ctx, "client1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 6850 {
		t.Errorf("balance = %d, want 6850", balance)
	}

	txns, err := l.History(ctx, "client1", nil, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("len(txns) = %d, want 2", len(txns))
	}
	// Most recent first
	if txns[0].Type != TypePayment || txns[0].Amount != "31.50" {
		t.Errorf("latest txn = %s %s, want payment 31.50", txns[0].Type, txns[0].Amount)
	}
	if txns[0].ResultingBalance != "68.50" {
		t.Errorf("resulting balance = %s, want 68.50", txns[0].ResultingBalance)
	}
}

func TestPostgresLedgerRejectsOverdraft(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := l.Deposit(ctx, Entry{UserID: "client1", Amount: 1000, Rail: RailCard}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := l.Charge(ctx, Entry{UserID: "client1", Amount: 1001, Rail: RailBalance})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Charge over balance: got %v, want ErrInsufficientFunds", err)
	}

	balance, err := l.GetBalance(ctx, "client1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 1000 {
		t.Errorf("balance = %d, want 1000 (failed charge must not move funds)", balance)
	}
}

func TestPostgresLedgerConcurrentCharges(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := l.Deposit(ctx, Entry{UserID: "client1", Amount: 5000, Rail: RailCard}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// 10 concurrent 10.00 charges against a 50.00 balance: exactly 5 may win.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Charge(ctx, Entry{UserID: "client1", Amount: 1000, Rail: RailBalance})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Errorf("%d charges succeeded, want 5", succeeded)
	}

	balance, err := l.GetBalance(ctx, "client1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}
