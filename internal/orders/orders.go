// Package orders owns the Order lifecycle: activation from an accepted
// offer, delivery and approval, the cancellation and extension
// request/response sub-workflows, and the handoff into disputes.
//
// Every transition that is reachable from both an API call and a scheduler
// sweep is a store-level conditional update: the losing writer observes no
// rows affected and gets a specific conflict error, never a silent overwrite.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
	"github.com/meridianworks/meridian/internal/ledger"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrAlreadyResolved      = errors.New("order is not in the required status for this operation")
	ErrUnauthorized         = errors.New("not authorized for this operation")
	ErrCancellationPending  = errors.New("a cancellation request is already pending")
	ErrNoCancellation       = errors.New("no pending cancellation request")
	ErrExtensionPending     = errors.New("an extension request is already pending")
	ErrNoExtension          = errors.New("no pending extension request")
	ErrAlreadyResponded     = errors.New("request already responded to")
	ErrDisputeAlreadyActive = errors.New("an active dispute already exists for this order")
)

// Status is the order's lifecycle state.
type Status string

const (
	StatusOfferCreated Status = "offer_created"
	StatusInProgress   Status = "in_progress"
	StatusDelivered    Status = "delivered"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusRejected     Status = "rejected"
	StatusDisputed     Status = "disputed"
	StatusOfferExpired Status = "offer_expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusOfferExpired:
		return true
	}
	return false
}

// DeliveryStatus tracks the delivery sub-state alongside the main status.
type DeliveryStatus string

const (
	DeliveryNone     DeliveryStatus = "none"
	DeliveryActive   DeliveryStatus = "active"
	DeliveryComplete DeliveryStatus = "delivered"
	DeliveryApproved DeliveryStatus = "approved"
)

// PaymentStatus tracks where the captured funds stand.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// RequestStatus is the state of a cancellation or extension request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// LineItem is one purchased unit or milestone.
type LineItem struct {
	Description string `json:"description"`
	UnitPrice   string `json:"unitPrice"`
	Quantity    int    `json:"quantity"`
	Amount      string `json:"amount"`
	Flagged     bool   `json:"flagged,omitempty"`
}

// Delivery is a seller submission of completed work.
type Delivery struct {
	Files       []string  `json:"files,omitempty"`
	Message     string    `json:"message,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// RevisionRequest records a buyer reopening a delivery.
type RevisionRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// CancellationRequest is the two-party cancellation sub-workflow. Unanswered
// requests auto-approve at the deadline with RespondedBy left nil.
type CancellationRequest struct {
	Status      RequestStatus `json:"status"`
	RequestedBy string        `json:"requestedBy"`
	Reason      string        `json:"reason"`
	Deadline    time.Time     `json:"deadline"`
	RespondedBy *string       `json:"respondedBy"`
	RespondedAt *time.Time    `json:"respondedAt,omitempty"`
}

// ExtensionRequest asks the buyer for more delivery time.
type ExtensionRequest struct {
	Status      RequestStatus `json:"status"`
	RequestedBy string        `json:"requestedBy"`
	Days        int           `json:"days"`
	Reason      string        `json:"reason"`
	RespondedBy *string       `json:"respondedBy"`
	RespondedAt *time.Time    `json:"respondedAt,omitempty"`
}

// Order is the transactional record of a negotiated engagement.
type Order struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	BuyerID        string `json:"buyerId"`
	SellerID       string `json:"sellerId"`
	OfferID        string `json:"offerId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	LineItems      []LineItem    `json:"lineItems"`
	TotalAmount    string        `json:"totalAmount"`
	ServiceFee     string        `json:"serviceFee"`
	AmountPaid     string        `json:"amountPaid,omitempty"`
	AmountReleased string        `json:"amountReleased,omitempty"`
	PaymentMethod  ledger.Rail   `json:"paymentMethod,omitempty"`
	PaymentStatus  PaymentStatus `json:"paymentStatus"`

	Status           Status         `json:"status"`
	DeliveryStatus   DeliveryStatus `json:"deliveryStatus"`
	DeliveryDays     int            `json:"deliveryDays"`
	DeliveryDeadline *time.Time     `json:"deliveryDeadline,omitempty"`

	Deliveries          []Delivery           `json:"deliveries,omitempty"`
	Revisions           []RevisionRequest    `json:"revisions,omitempty"`
	CancellationRequest *CancellationRequest `json:"cancellationRequest,omitempty"`
	ExtensionRequest    *ExtensionRequest    `json:"extensionRequest,omitempty"`

	DisputeID  string   `json:"disputeId,omitempty"`
	LedgerRefs []string `json:"ledgerRefs,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Participant reports whether the user is the buyer or seller on the order.
func (o *Order) Participant(userID string) bool {
	return userID == o.BuyerID || userID == o.SellerID
}

// CounterpartOf returns the other party, or empty if userID is neither.
func (o *Order) CounterpartOf(userID string) string {
	switch userID {
	case o.BuyerID:
		return o.SellerID
	case o.SellerID:
		return o.BuyerID
	}
	return ""
}

// Store persists orders. Transition methods are conditional updates: they
// return ErrAlreadyResolved (or a more specific conflict error) when the
// order is not in the expected state, and never write in that case.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByOffer(ctx context.Context, offerID string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)

	// Activate moves offer_created→in_progress with the capture outcome.
	Activate(ctx context.Context, id string, rail ledger.Rail, amountPaid string, ledgerRefs []string, deliveryDeadline time.Time) (*Order, error)
	// ResolveOffer moves offer_created→to for cancelled/rejected/offer_expired cascades.
	ResolveOffer(ctx context.Context, id string, to Status) (*Order, error)

	MarkDelivered(ctx context.Context, id string, d Delivery) (*Order, error)
	MarkCompleted(ctx context.Context, id string, released string, ledgerRefs []string) (*Order, error)
	RequestRevision(ctx context.Context, id string, r RevisionRequest) (*Order, error)

	CreateCancellation(ctx context.Context, id string, req CancellationRequest) (*Order, error)
	// RespondCancellation answers a pending request before its deadline.
	RespondCancellation(ctx context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error)
	// AutoApproveCancellation approves a pending request whose deadline has
	// passed, leaving RespondedBy nil. Loses cleanly to a concurrent respond.
	AutoApproveCancellation(ctx context.Context, id string, now time.Time) (*Order, error)
	ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListPendingCancellations(ctx context.Context, limit int) ([]*Order, error)

	CreateExtension(ctx context.Context, id string, req ExtensionRequest) (*Order, error)
	RespondExtension(ctx context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error)

	// MarkDisputed moves in_progress|delivered→disputed, guarded by the
	// one-active-dispute invariant.
	MarkDisputed(ctx context.Context, id, disputeID string) (*Order, error)
	// CloseDispute moves disputed→cancelled|completed with the fund outcome.
	CloseDispute(ctx context.Context, id string, to Status, released string, ledgerRefs []string) (*Order, error)
	// FlagLineItems marks the line items under dispute.
	FlagLineItems(ctx context.Context, id string, indexes []int) error

	// Reminder queries.
	ListActiveWithDeadlineBefore(ctx context.Context, t time.Time, limit int) ([]*Order, error)
	ListDeliveredBefore(ctx context.Context, t time.Time, limit int) ([]*Order, error)

	// RecordRefund marks the captured funds as returned to the buyer.
	RecordRefund(ctx context.Context, id string, ledgerRefs []string) error
}

func newOrderID() string { return idgen.WithPrefix("ord_") }

// FormatNumber renders a human-facing order number from a sequence value.
func FormatNumber(seq int64) string { return idgen.FormatSeq("ORD", seq) }
