// Package disputes owns the dispute state machine: a claimant raises a
// dispute against a held order, the respondent answers, the parties trade
// settlement proposals, and unresolved disputes escalate to paid arbitration
// where an administrator issues a binding decision. Closing a dispute always
// settles the order's funds: the final amount is refunded to the claimant and
// the remainder released to the respondent.
package disputes

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrAlreadyClosed is the conflict error for any transition attempted on
	// a closed dispute, including the loser of a respond/auto-close race.
	ErrAlreadyClosed      = errors.New("dispute already closed")
	ErrInvalidState       = errors.New("operation not allowed in current dispute state")
	ErrUnauthorized       = errors.New("not authorized for this operation")
	ErrNoCounterProposal  = errors.New("no settlement proposal from the other party to accept")
	ErrArbitrationPending = errors.New("arbitration not yet requested")
	ErrFeeAlreadyPaid     = errors.New("arbitration fee already paid by this party")
	ErrNegotiationOpen    = errors.New("negotiation window has not elapsed")
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusResponded   Status = "responded"
	StatusNegotiation Status = "negotiation"
	StatusArbitration Status = "arbitration"
	StatusClosed      Status = "closed"
)

// Role identifies which side of the dispute a party is on.
type Role string

const (
	RoleClaimant   Role = "claimant"
	RoleRespondent Role = "respondent"
)

// Message is one entry in the dispute thread. InFavorOf optionally tags the
// message as supporting one party's position.
type Message struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	InFavorOf *string   `json:"inFavorOf,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SettlementOffer is one round in the settlement negotiation. The history is
// append-only; accepting always targets the other role's latest entry.
type SettlementOffer struct {
	Role      Role      `json:"role"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// ArbitrationPayment records one party paying the arbitration fee.
type ArbitrationPayment struct {
	PayerID string    `json:"payerId"`
	Method  string    `json:"method"`
	PaidAt  time.Time `json:"paidAt"`
}

// Arbitration tracks the paid escalation path. RequestedBy collects opt-ins
// until the escalation conditions are met; the fee and deadline are fixed
// when Requested flips true.
type Arbitration struct {
	Requested   bool                 `json:"requested"`
	RequestedBy []string             `json:"requestedBy,omitempty"`
	FeeAmount   string               `json:"feeAmount,omitempty"`
	FeeDeadline *time.Time           `json:"feeDeadline,omitempty"`
	Payments    []ArbitrationPayment `json:"payments,omitempty"`
}

// Resolution records how a dispute closed. Either WinnerID/LoserID are set or
// AdminDecision is true, never neither.
type Resolution struct {
	ClosedAt      time.Time `json:"closedAt"`
	WinnerID      string    `json:"winnerId,omitempty"`
	LoserID       string    `json:"loserId,omitempty"`
	FinalAmount   string    `json:"finalAmount"`
	AdminDecision bool      `json:"adminDecision,omitempty"`
	AdminNotes    string    `json:"adminNotes,omitempty"`
	AcceptedBy    string    `json:"acceptedBy,omitempty"`
	AutoClosed    bool      `json:"autoClosed,omitempty"`
}

// Dispute is the structured escalation record linked to exactly one order.
type Dispute struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	OrderID      string `json:"orderId"`
	ClaimantID   string `json:"claimantId"`
	RespondentID string `json:"respondentId"`

	Status       Status `json:"status"`
	Requirements string `json:"requirements"`
	// FlaggedItems are the disputed line item indexes on milestone orders.
	// Empty means the whole order is disputed.
	FlaggedItems []int `json:"flaggedItems,omitempty"`

	ResponseDeadline    time.Time  `json:"responseDeadline"`
	NegotiationDeadline *time.Time `json:"negotiationDeadline,omitempty"`

	Messages     []Message         `json:"messages,omitempty"`
	OfferHistory []SettlementOffer `json:"offerHistory,omitempty"`
	Arbitration  Arbitration       `json:"arbitration"`
	Resolution   *Resolution       `json:"resolution,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoleOf returns the party's role, or empty if they are not on the dispute.
func (d *Dispute) RoleOf(userID string) Role {
	switch userID {
	case d.ClaimantID:
		return RoleClaimant
	case d.RespondentID:
		return RoleRespondent
	}
	return ""
}

// LatestProposalBy returns the most recent settlement offer made by the given
// role, or nil.
func (d *Dispute) LatestProposalBy(role Role) *SettlementOffer {
	for i := len(d.OfferHistory) - 1; i >= 0; i-- {
		if d.OfferHistory[i].Role == role {
			return &d.OfferHistory[i]
		}
	}
	return nil
}

// HasPaid reports whether the party has recorded an arbitration fee payment.
func (d *Dispute) HasPaid(userID string) bool {
	for _, p := range d.Arbitration.Payments {
		if p.PayerID == userID {
			return true
		}
	}
	return false
}

// Store persists disputes. Transition methods are conditional updates that
// return ErrAlreadyClosed or ErrInvalidState when the dispute is no longer in
// the expected state, so concurrent writers and scheduler sweeps race safely.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetActiveByOrder returns the single non-closed dispute for an order,
	// ErrDisputeNotFound when there is none.
	GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)

	// MarkResponded moves open→responded and fixes the negotiation deadline.
	MarkResponded(ctx context.Context, id string, negotiationDeadline time.Time) (*Dispute, error)
	AppendMessage(ctx context.Context, id string, msg Message) (*Dispute, error)
	// AppendProposal appends to the offer history in responded|negotiation
	// and advances responded→negotiation.
	AppendProposal(ctx context.Context, id string, offer SettlementOffer) (*Dispute, error)

	// RequestArbitration records an opt-in; once escalated the fee terms are
	// fixed and Requested flips true.
	RequestArbitration(ctx context.Context, id, requesterID string, escalate bool, fee string, feeDeadline time.Time) (*Dispute, error)
	// RecordFeePayment appends a fee payment. The move to arbitration once
	// both parties have paid happens inside the same update, so concurrent
	// payers cannot each miss the other's payment.
	RecordFeePayment(ctx context.Context, id string, p ArbitrationPayment) (*Dispute, error)

	// Close moves any non-closed status in from→closed with the resolution.
	Close(ctx context.Context, id string, from []Status, res Resolution) (*Dispute, error)
	// AutoClose moves open→closed only while the response deadline has
	// elapsed; it loses cleanly to a concurrent respond.
	AutoClose(ctx context.Context, id string, res Resolution, now time.Time) (*Dispute, error)
	ListAutoCloseDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
}

func newDisputeID() string { return idgen.WithPrefix("dsp_") }

func newMessageID() string { return idgen.WithPrefix("dm_") }

// FormatNumber renders a human-facing dispute number from a sequence value.
func FormatNumber(seq int64) string { return idgen.FormatSeq("DSP", seq) }
