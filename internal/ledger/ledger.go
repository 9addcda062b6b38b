// Package ledger tracks user wallet balances on the platform.
//
// The ledger is an append-only log of balance-affecting transactions.
// Each entry records the balance that resulted from applying it, so for a
// user's entries ordered by creation time:
//
//	resultingBalance[i] = resultingBalance[i-1] + amount[i]   (deposit, refund)
//	resultingBalance[i] = resultingBalance[i-1] - amount[i]   (payment)
//
// The cached balance is derivable from the log and never authoritative on
// its own. Per-user mutations are serialized by the store (per-user mutex in
// memory, row lock in Postgres) so concurrent captures never lose updates.
// Cross-user transfers are deliberately two independent, separately-committed
// transactions rather than one joint transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrTxNotFound        = errors.New("transaction not found")
)

// Type classifies a ledger transaction.
type Type string

const (
	TypeDeposit Type = "deposit"
	TypePayment Type = "payment"
	TypeRefund  Type = "refund"
)

// Rail identifies the funding channel a transaction moved through.
type Rail string

const (
	RailBalance  Rail = "balance"
	RailCard     Rail = "card"
	RailExternal Rail = "external"
)

// Status of a ledger transaction. Entries are written in their terminal
// status; "pending" exists only for deposits awaiting external confirmation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Type             Type      `json:"type"`
	Amount           string    `json:"amount"`
	ResultingBalance string    `json:"resultingBalance"`
	Status           Status    `json:"status"`
	Rail             Rail      `json:"rail"`
	ExternalRef      string    `json:"externalRef,omitempty"`
	OrderID          string    `json:"orderId,omitempty"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Entry describes a transaction to append. The store assigns the ID,
// resulting balance, and timestamp under its per-user critical section.
type Entry struct {
	UserID      string
	Type        Type
	Amount      int64 // cents, must be >= 0
	Rail        Rail
	ExternalRef string
	OrderID     string
	Description string
}

// Store persists ledger data. Append must atomically compute the resulting
// balance and reject payment entries that would drive it negative.
type Store interface {
	Append(ctx context.Context, e Entry) (*Transaction, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
}

// Ledger manages user balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance in cents.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// Deposit credits a user's balance.
func (l *Ledger) Deposit(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	e.Type = TypeDeposit
	return l.store.Append(ctx, e)
}

// Charge debits a user's balance. Fails with ErrInsufficientFunds when the
// balance cannot cover the amount.
func (l *Ledger) Charge(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	e.Type = TypePayment
	return l.store.Append(ctx, e)
}

// Refund credits back a user's balance (dispute settlements, cancellations).
func (l *Ledger) Refund(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	e.Type = TypeRefund
	return l.store.Append(ctx, e)
}

// History returns a user's ledger entries, newest first. A non-nil cursor
// resumes after the given (createdAt, id) position.
func (l *Ledger) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, cursor, limit)
}

// applies reports the signed effect of a transaction type on the balance.
func delta(t Type, amount int64) int64 {
	if t == TypePayment {
		return -amount
	}
	return amount
}

// FormatAmount renders cents for API responses.
func FormatAmount(cents int64) string {
	return money.Format(cents)
}
