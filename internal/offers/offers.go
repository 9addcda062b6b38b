// Package offers owns the Offer state machine: a negotiated price/terms
// proposal made inside a conversation, paired 1:1 with a held Order and a
// linked chat card, resolved to accepted, rejected, or expired.
//
// The accept path and the scheduler's expire sweep can race on the same
// offer; both go through a single store-level compare-and-swap on status, so
// exactly one wins and the loser returns a conflict error with no side
// effects.
package offers

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
)

var (
	ErrOfferNotFound   = errors.New("offer not found")
	ErrAlreadyResolved = errors.New("offer already resolved")
	ErrExpired         = errors.New("offer has expired")
	ErrNotParticipant  = errors.New("not a participant in this conversation")
	ErrUnauthorized    = errors.New("not authorized for this operation")
)

// Status is the offer's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// PaymentStyle distinguishes single-payment offers from milestone plans.
type PaymentStyle string

const (
	StyleSingle    PaymentStyle = "single"
	StyleMilestone PaymentStyle = "milestone"
)

// Milestone is one stage of a milestone offer. Milestone amounts must sum to
// the offer price within a one-cent tolerance, enforced at creation.
type Milestone struct {
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	DeliveryDays int    `json:"deliveryDays,omitempty"`
}

// Offer is a negotiated proposal. Immutable once resolved except timestamps.
type Offer struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	ConversationID string `json:"conversationId"`
	ProposerID     string `json:"proposerId"`
	CounterpartyID string `json:"counterpartyId"`

	Description  string       `json:"description"`
	Price        string       `json:"price"`
	DeliveryDays int          `json:"deliveryDays"`
	Quantity     int          `json:"quantity"`
	PaymentStyle PaymentStyle `json:"paymentStyle"`
	Milestones   []Milestone  `json:"milestones,omitempty"`

	Status           Status    `json:"status"`
	ResponseDeadline time.Time `json:"responseDeadline"`

	OrderID   string `json:"orderId,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists offers. All status transitions are conditional updates: the
// losing concurrent writer gets ErrAlreadyResolved or ErrExpired and the
// store is untouched.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*Offer, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error)

	// SetLinks attaches the paired order and chat message after creation.
	SetLinks(ctx context.Context, id, orderID, messageID string) error

	// MarkAccepted requires status==pending AND now before the response
	// deadline, both checked in the same conditional update.
	MarkAccepted(ctx context.Context, id string, now time.Time) (*Offer, error)
	// MarkResolved moves pending→rejected for reject and withdraw paths.
	MarkResolved(ctx context.Context, id string, to Status, now time.Time) (*Offer, error)
	// MarkExpired moves pending→expired only once the deadline has passed.
	MarkExpired(ctx context.Context, id string, now time.Time) (*Offer, error)
	// RestorePending is the compensating transition when payment capture
	// fails after a successful accept CAS: accepted→pending.
	RestorePending(ctx context.Context, id string) (*Offer, error)

	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Offer, error)
}

func newOfferID() string { return idgen.WithPrefix("ofr_") }

// FormatNumber renders a human-facing offer number from a sequence value.
func FormatNumber(seq int64) string { return idgen.FormatSeq("OFR", seq) }
