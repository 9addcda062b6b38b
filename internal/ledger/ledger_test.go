package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/meridianworks/meridian/internal/money"
)

func TestLedger_DepositChargeRefund(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	user := "usr_1"

	tx, err := l.Deposit(ctx, Entry{UserID: user, Amount: 50000, Rail: RailBalance, Description: "top up"})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if tx.ResultingBalance != "500.00" {
		t.Errorf("expected resulting balance 500.00, got %s", tx.ResultingBalance)
	}

	tx, err = l.Charge(ctx, Entry{UserID: user, Amount: 30000, Rail: RailBalance, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if tx.ResultingBalance != "200.00" {
		t.Errorf("expected resulting balance 200.00, got %s", tx.ResultingBalance)
	}

	tx, err = l.Refund(ctx, Entry{UserID: user, Amount: 10000, Rail: RailBalance, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if tx.ResultingBalance != "300.00" {
		t.Errorf("expected resulting balance 300.00, got %s", tx.ResultingBalance)
	}

	bal, err := l.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal != 30000 {
		t.Errorf("expected balance 30000, got %d", bal)
	}
}

func TestLedger_InsufficientFunds(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Deposit(ctx, Entry{UserID: "usr_1", Amount: 100, Rail: RailBalance}); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	_, err := l.Charge(ctx, Entry{UserID: "usr_1", Amount: 200, Rail: RailBalance})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Failed charge must leave no trace in the log.
	history, _ := l.History(ctx, "usr_1", nil, 10)
	if len(history) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(history))
	}
}

func TestLedger_RejectsNegativeAmounts(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if _, err := l.Deposit(ctx, Entry{UserID: "u", Amount: -1}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative deposit, got %v", err)
	}
	if _, err := l.Charge(ctx, Entry{UserID: "u", Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero charge, got %v", err)
	}
}

// The balance-chain invariant: each entry's resulting balance equals the
// previous entry's resulting balance plus or minus its amount.
func TestLedger_BalanceChainInvariant(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	user := "usr_chain"

	for i := 0; i < 20; i++ {
		var err error
		switch i % 3 {
		case 0:
			_, err = l.Deposit(ctx, Entry{UserID: user, Amount: int64(1000 + i), Rail: RailCard})
		case 1:
			_, err = l.Charge(ctx, Entry{UserID: user, Amount: int64(100 + i), Rail: RailBalance})
		case 2:
			_, err = l.Refund(ctx, Entry{UserID: user, Amount: int64(50 + i), Rail: RailBalance})
		}
		if err != nil {
			t.Fatalf("entry %d failed: %v", i, err)
		}
	}

	history, err := l.History(ctx, user, nil, 100)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	// History is newest first; walk oldest to newest.
	prev := int64(0)
	for i := len(history) - 1; i >= 0; i-- {
		tx := history[i]
		amount, ok := money.Parse(tx.Amount)
		if !ok {
			t.Fatalf("unparseable amount %q", tx.Amount)
		}
		resulting, ok := money.Parse(tx.ResultingBalance)
		if !ok {
			t.Fatalf("unparseable resulting balance %q", tx.ResultingBalance)
		}
		expected := prev + delta(tx.Type, amount)
		if resulting != expected {
			t.Errorf("entry %s: resulting balance %d, want %d", tx.ID, resulting, expected)
		}
		prev = resulting
	}
}

// Two goroutines hammering the same wallet must not lose updates.
func TestLedger_ConcurrentCaptures(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	user := "usr_conc"

	if _, err := l.Deposit(ctx, Entry{UserID: user, Amount: 100000, Rail: RailBalance}); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Charge(ctx, Entry{
					UserID: user, Amount: 10, Rail: RailBalance,
					OrderID: fmt.Sprintf("ord_%d_%d", w, i),
				})
				if err != nil {
					t.Errorf("concurrent charge failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, user)
	want := int64(100000 - workers*perWorker*10)
	if bal != want {
		t.Errorf("expected balance %d after concurrent charges, got %d", want, bal)
	}
}
