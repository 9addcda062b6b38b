package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridianworks/meridian/internal/ledger"
)

// PostgresStore is a PostgreSQL-backed order store. Nested sub-workflow
// records (cancellation, extension, deliveries) live in JSONB columns;
// conditional transitions check status in the WHERE clause and classify a
// zero-row update by re-reading the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, number, buyer_id, seller_id, COALESCE(offer_id, ''), COALESCE(conversation_id, ''),
	line_items, total_amount, service_fee, COALESCE(amount_paid::TEXT, ''), COALESCE(amount_released::TEXT, ''),
	COALESCE(payment_method, ''), payment_status, status, delivery_status, delivery_days, delivery_deadline,
	deliveries, revisions, cancellation_request, extension_request, COALESCE(dispute_id, ''), ledger_refs,
	created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = newOrderID()
	}

	lineItems, _ := json.Marshal(o.LineItems)
	refs, _ := json.Marshal(o.LedgerRefs)

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, offer_id, conversation_id, line_items,
			total_amount, service_fee, payment_status, status, delivery_status,
			delivery_days, deliveries, revisions, ledger_refs, seq
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12,
			'[]', '[]', $13, nextval('order_number_seq'))
		RETURNING seq, created_at, updated_at`,
		o.ID, o.BuyerID, o.SellerID, o.OfferID, o.ConversationID, lineItems,
		o.TotalAmount, o.ServiceFee, string(o.PaymentStatus), string(o.Status),
		string(o.DeliveryStatus), o.DeliveryDays, refs).
		Scan(&seq, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	o.Number = FormatNumber(seq)

	_, err = s.db.ExecContext(ctx, `UPDATE orders SET number = $2 WHERE id = $1`, o.ID, o.Number)
	if err != nil {
		return fmt.Errorf("set order number: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE offer_id = $1`, offerID)
	return scanOrder(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) Activate(ctx context.Context, id string, rail ledger.Rail, amountPaid string, ledgerRefs []string, deliveryDeadline time.Time) (*Order, error) {
	refs, _ := json.Marshal(ledgerRefs)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'in_progress', delivery_status = 'active',
			payment_method = $2, payment_status = 'paid',
			amount_paid = $3::NUMERIC, delivery_deadline = $4,
			ledger_refs = ledger_refs || $5::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'offer_created'`,
		id, string(rail), amountPaid, deliveryDeadline, refs)
	if err != nil {
		return nil, fmt.Errorf("activate order: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ResolveOffer(ctx context.Context, id string, to Status) (*Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'offer_created'`, id, string(to))
	if err != nil {
		return nil, fmt.Errorf("resolve offer order: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, d Delivery) (*Order, error) {
	delivery, _ := json.Marshal(d)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'delivered', delivery_status = 'delivered',
			deliveries = deliveries || $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'`, id, delivery)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, released string, ledgerRefs []string) (*Order, error) {
	refs, _ := json.Marshal(ledgerRefs)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'completed', delivery_status = 'approved',
			payment_status = 'released', amount_released = $2::NUMERIC,
			ledger_refs = ledger_refs || $3::JSONB,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'delivered'`, id, released, refs)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RequestRevision(ctx context.Context, id string, r RevisionRequest) (*Order, error) {
	revision, _ := json.Marshal(r)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'in_progress', delivery_status = 'active',
			revisions = revisions || $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'delivered'`, id, revision)
	if err != nil {
		return nil, fmt.Errorf("request revision: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) CreateCancellation(ctx context.Context, id string, req CancellationRequest) (*Order, error) {
	payload, _ := json.Marshal(req)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET cancellation_request = $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
		  AND (cancellation_request IS NULL OR cancellation_request->>'status' <> 'pending')`,
		id, payload)
	if err != nil {
		return nil, fmt.Errorf("create cancellation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.CancellationRequest != nil && o.CancellationRequest.Status == RequestPending {
			return nil, ErrCancellationPending
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RespondCancellation(ctx context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error) {
	status := RequestRejected
	orderStatus := "in_progress"
	if approve {
		status = RequestApproved
		orderStatus = "cancelled"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2,
			cancellation_request = cancellation_request
				|| jsonb_build_object('status', $3::TEXT, 'respondedBy', $4::TEXT, 'respondedAt', $5::TEXT),
			updated_at = NOW()
		WHERE id = $1
		  AND cancellation_request->>'status' = 'pending'
		  AND (cancellation_request->>'deadline')::TIMESTAMPTZ > $6`,
		id, orderStatus, string(status), respondedBy, now.Format(time.RFC3339Nano), now)
	if err != nil {
		return nil, fmt.Errorf("respond cancellation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, s.classifyCancellationConflict(ctx, id)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) AutoApproveCancellation(ctx context.Context, id string, now time.Time) (*Order, error) {
	// respondedBy stays absent: approval by elapsed deadline, not by a party.
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'cancelled',
			cancellation_request = cancellation_request
				|| jsonb_build_object('status', 'approved', 'respondedAt', $2::TEXT),
			updated_at = NOW()
		WHERE id = $1
		  AND cancellation_request->>'status' = 'pending'
		  AND (cancellation_request->>'deadline')::TIMESTAMPTZ <= $3`,
		id, now.Format(time.RFC3339Nano), now)
	if err != nil {
		return nil, fmt.Errorf("auto-approve cancellation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, s.classifyCancellationConflict(ctx, id)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) classifyCancellationConflict(ctx context.Context, id string) error {
	o, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.CancellationRequest == nil {
		return ErrNoCancellation
	}
	return ErrAlreadyResponded
}

func (s *PostgresStore) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE cancellation_request->>'status' = 'pending'
		  AND (cancellation_request->>'deadline')::TIMESTAMPTZ <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due cancellations: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListPendingCancellations(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE cancellation_request->>'status' = 'pending'
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending cancellations: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) CreateExtension(ctx context.Context, id string, req ExtensionRequest) (*Order, error) {
	payload, _ := json.Marshal(req)
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET extension_request = $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
		  AND (extension_request IS NULL OR extension_request->>'status' <> 'pending')`,
		id, payload)
	if err != nil {
		return nil, fmt.Errorf("create extension: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.ExtensionRequest != nil && o.ExtensionRequest.Status == RequestPending {
			return nil, ErrExtensionPending
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RespondExtension(ctx context.Context, id string, approve bool, respondedBy string, now time.Time) (*Order, error) {
	status := RequestRejected
	if approve {
		status = RequestApproved
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			extension_request = extension_request
				|| jsonb_build_object('status', $2::TEXT, 'respondedBy', $3::TEXT, 'respondedAt', $4::TEXT),
			delivery_deadline = CASE WHEN $5 AND delivery_deadline IS NOT NULL
				THEN delivery_deadline + make_interval(days => (extension_request->>'days')::INT)
				ELSE delivery_deadline END,
			updated_at = NOW()
		WHERE id = $1 AND extension_request->>'status' = 'pending'`,
		id, string(status), respondedBy, now.Format(time.RFC3339Nano), approve)
	if err != nil {
		return nil, fmt.Errorf("respond extension: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.ExtensionRequest == nil {
			return nil, ErrNoExtension
		}
		return nil, ErrAlreadyResponded
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkDisputed(ctx context.Context, id, disputeID string) (*Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = 'disputed', dispute_id = $2, updated_at = NOW()
		WHERE id = $1 AND dispute_id IS NULL AND status IN ('in_progress', 'delivered')`,
		id, disputeID)
	if err != nil {
		return nil, fmt.Errorf("mark disputed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.DisputeID != "" {
			return nil, ErrDisputeAlreadyActive
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) CloseDispute(ctx context.Context, id string, to Status, released string, ledgerRefs []string) (*Order, error) {
	refs, _ := json.Marshal(ledgerRefs)
	paymentStatus := "released"
	completedAt := "NOW()"
	if to == StatusCancelled {
		paymentStatus = "refunded"
		completedAt = "NULL"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, payment_status = $3, amount_released = $4::NUMERIC,
			ledger_refs = ledger_refs || $5::JSONB,
			completed_at = `+completedAt+`, updated_at = NOW()
		WHERE id = $1 AND status = 'disputed'`,
		id, string(to), paymentStatus, released, refs)
	if err != nil {
		return nil, fmt.Errorf("close dispute on order: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) FlagLineItems(ctx context.Context, id string, indexes []int) error {
	// The array is rebuilt inside a single UPDATE so a concurrent writer's
	// flags are never clobbered by a stale read.
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			line_items = (
				SELECT COALESCE(jsonb_agg(
					CASE WHEN (item.ord - 1)::INT = ANY($2::INT[])
						THEN item.value || '{"flagged": true}'::JSONB
						ELSE item.value
					END ORDER BY item.ord), '[]'::JSONB)
				FROM jsonb_array_elements(line_items) WITH ORDINALITY AS item(value, ord)
			),
			updated_at = NOW()
		WHERE id = $1`, id, pq.Array(indexes))
	if err != nil {
		return fmt.Errorf("flag line items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveWithDeadlineBefore(ctx context.Context, t time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'in_progress' AND delivery_deadline < $1
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("list active past deadline: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListDeliveredBefore(ctx context.Context, t time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'delivered' AND updated_at < $1
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivered: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) RecordRefund(ctx context.Context, id string, ledgerRefs []string) error {
	refs, _ := json.Marshal(ledgerRefs)
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			payment_status = 'refunded', ledger_refs = ledger_refs || $2::JSONB,
			updated_at = NOW()
		WHERE id = $1`, id, refs)
	if err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	return nil
}

// requireTransition maps a zero-row conditional update to the right error.
func (s *PostgresStore) requireTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var lineItems, deliveries, revs, cancellation, extension, refs []byte
	var paymentMethod, paymentStatus, status, deliveryStatus string
	var deliveryDeadline, completedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.Number, &o.BuyerID, &o.SellerID, &o.OfferID, &o.ConversationID,
		&lineItems, &o.TotalAmount, &o.ServiceFee, &o.AmountPaid, &o.AmountReleased,
		&paymentMethod, &paymentStatus, &status, &deliveryStatus, &o.DeliveryDays, &deliveryDeadline,
		&deliveries, &revs, &cancellation, &extension, &o.DisputeID, &refs,
		&o.CreatedAt, &o.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.PaymentMethod = ledger.Rail(paymentMethod)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	o.Status = Status(status)
	o.DeliveryStatus = DeliveryStatus(deliveryStatus)
	if deliveryDeadline.Valid {
		t := deliveryDeadline.Time
		o.DeliveryDeadline = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	_ = json.Unmarshal(lineItems, &o.LineItems)
	_ = json.Unmarshal(deliveries, &o.Deliveries)
	_ = json.Unmarshal(revs, &o.Revisions)
	_ = json.Unmarshal(refs, &o.LedgerRefs)
	if len(cancellation) > 0 {
		var req CancellationRequest
		if json.Unmarshal(cancellation, &req) == nil && req.RequestedBy != "" {
			o.CancellationRequest = &req
		}
	}
	if len(extension) > 0 {
		var req ExtensionRequest
		if json.Unmarshal(extension, &req) == nil && req.RequestedBy != "" {
			o.ExtensionRequest = &req
		}
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
