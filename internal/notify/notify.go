// Package notify sends templated notifications to users. Delivery is
// fire-and-forget: failures are logged and never propagate into the
// transaction that triggered them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Template keys for transactional notifications.
const (
	TemplateOfferReceived        = "offer_received"
	TemplateOfferAccepted        = "offer_accepted"
	TemplateOfferRejected        = "offer_rejected"
	TemplateOfferExpired         = "offer_expired"
	TemplateOrderDelivered       = "order_delivered"
	TemplateOrderCompleted       = "order_completed"
	TemplateOrderCancelled       = "order_cancelled"
	TemplateCancellationRequest  = "cancellation_requested"
	TemplateCancellationReminder = "cancellation_reminder"
	TemplateDeliveryReminder     = "delivery_reminder"
	TemplateReviewReminder       = "review_reminder"
	TemplateDisputeOpened        = "dispute_opened"
	TemplateDisputeSettled       = "dispute_settled"
	TemplateDisputeEscalated     = "dispute_escalated"
	TemplateDisputeClosed        = "dispute_closed"
)

// Sender delivers a templated notification to a user.
type Sender interface {
	SendTemplated(ctx context.Context, recipientID, templateKey string, vars map[string]string)
}

// LogSender logs notifications instead of delivering them. Used in
// development and as the default when no delivery channel is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that writes notifications to the log.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendTemplated(_ context.Context, recipientID, templateKey string, vars map[string]string) {
	args := []any{"recipient", recipientID, "template", templateKey}
	for k, v := range vars {
		args = append(args, k, v)
	}
	s.logger.Info("notification", args...)
}

var ErrMarkerExists = errors.New("reminder already sent")

// Marker records that a one-shot reminder was sent for an entity. The marker
// is written BEFORE the send: a crash between the write and the send loses at
// most one reminder, but never duplicates one.
type Marker struct {
	Kind     string    `json:"kind"`
	EntityID string    `json:"entityId"`
	SentAt   time.Time `json:"sentAt"`
}

// MarkerStore persists reminder markers. MarkSent must be atomic: exactly one
// caller wins for a (kind, entityID) pair, all others get ErrMarkerExists.
type MarkerStore interface {
	MarkSent(ctx context.Context, kind, entityID string) error
	WasSent(ctx context.Context, kind, entityID string) (bool, error)
}
