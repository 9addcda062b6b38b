package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/notify"
	"github.com/meridianworks/meridian/internal/orders"
)

// Marker kinds. One reminder fires per (kind, order) pair, ever.
const (
	kindCancellationReminder = "cancellation_reminder"
	kindDeliveryReminder     = "delivery_reminder"
	kindReviewReminder       = "review_reminder"
)

// Reminders sends the one-shot order reminders. The sent-at marker is
// persisted before the notification call, so a crash between the two can at
// worst drop a reminder, never duplicate it.
type Reminders struct {
	orders  orders.Store
	markers notify.MarkerStore
	sender  notify.Sender
	logger  *slog.Logger

	// DeliveryLead is how close to the delivery deadline the seller gets
	// reminded. ReviewDelay is how long a delivery sits unapproved before
	// the buyer gets nudged.
	DeliveryLead time.Duration
	ReviewDelay  time.Duration
}

// NewReminders creates the reminder task set.
func NewReminders(ordersStore orders.Store, markers notify.MarkerStore, sender notify.Sender, logger *slog.Logger) *Reminders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reminders{
		orders:       ordersStore,
		markers:      markers,
		sender:       sender,
		logger:       logger,
		DeliveryLead: 24 * time.Hour,
		ReviewDelay:  48 * time.Hour,
	}
}

// SendCancellationReminders nudges the party who has an unanswered
// cancellation request waiting on them.
func (r *Reminders) SendCancellationReminders(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := r.orders.ListPendingCancellations(ctx, 200)
	if err != nil {
		r.logger.Error("list pending cancellations", "error", err)
		return 0, 1
	}
	for _, o := range due {
		req := o.CancellationRequest
		if req == nil || now.After(req.Deadline) {
			// Past-deadline requests belong to the auto-cancel sweep.
			continue
		}
		recipient := o.CounterpartOf(req.RequestedBy)
		if r.remind(ctx, kindCancellationReminder, o.ID, recipient, notify.TemplateCancellationReminder,
			map[string]string{"order": o.Number, "deadline": req.Deadline.Format(time.RFC3339)}) {
			processed++
		}
	}
	return processed, failed
}

// SendDeliveryReminders nudges sellers whose delivery deadline is close.
func (r *Reminders) SendDeliveryReminders(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := r.orders.ListActiveWithDeadlineBefore(ctx, now.Add(r.DeliveryLead), 200)
	if err != nil {
		r.logger.Error("list orders near delivery deadline", "error", err)
		return 0, 1
	}
	for _, o := range due {
		if r.remind(ctx, kindDeliveryReminder, o.ID, o.SellerID, notify.TemplateDeliveryReminder,
			map[string]string{"order": o.Number}) {
			processed++
		}
	}
	return processed, failed
}

// SendReviewReminders nudges buyers sitting on an unapproved delivery.
func (r *Reminders) SendReviewReminders(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := r.orders.ListDeliveredBefore(ctx, now.Add(-r.ReviewDelay), 200)
	if err != nil {
		r.logger.Error("list unapproved deliveries", "error", err)
		return 0, 1
	}
	for _, o := range due {
		if r.remind(ctx, kindReviewReminder, o.ID, o.BuyerID, notify.TemplateReviewReminder,
			map[string]string{"order": o.Number}) {
			processed++
		}
	}
	return processed, failed
}

// remind claims the marker and sends. Reports whether this call was the one
// that fired the reminder.
func (r *Reminders) remind(ctx context.Context, kind, entityID, recipient, template string, vars map[string]string) bool {
	err := r.markers.MarkSent(ctx, kind, entityID)
	if errors.Is(err, notify.ErrMarkerExists) {
		return false
	}
	if err != nil {
		r.logger.Error("persist reminder marker", "kind", kind, "entity", entityID, "error", err)
		return false
	}

	r.sender.SendTemplated(ctx, recipient, template, vars)
	metrics.RemindersSentTotal.WithLabelValues(kind).Inc()
	return true
}
