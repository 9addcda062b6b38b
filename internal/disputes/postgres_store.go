package disputes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed dispute store. The message thread,
// offer history, arbitration record, and resolution live in JSONB columns;
// conditional transitions check status in the WHERE clause and classify a
// zero-row update by re-reading the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, number, order_id, claimant_id, respondent_id, status, requirements,
	flagged_items, response_deadline, negotiation_deadline, messages, offer_history,
	arbitration, resolution, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	if d.ID == "" {
		d.ID = newDisputeID()
	}

	flagged, _ := json.Marshal(d.FlaggedItems)
	arb, _ := json.Marshal(d.Arbitration)

	// The partial unique index on (order_id) WHERE status <> 'closed'
	// enforces the single active dispute per order.
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO disputes (
			id, order_id, claimant_id, respondent_id, status, requirements,
			flagged_items, response_deadline, messages, offer_history, arbitration, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]', '[]', $9, nextval('dispute_number_seq'))
		RETURNING seq, created_at, updated_at`,
		d.ID, d.OrderID, d.ClaimantID, d.RespondentID, string(d.Status),
		d.Requirements, flagged, d.ResponseDeadline, arb).
		Scan(&seq, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}
	d.Number = FormatNumber(seq)

	_, err = s.db.ExecContext(ctx, `UPDATE disputes SET number = $2 WHERE id = $1`, d.ID, d.Number)
	if err != nil {
		return fmt.Errorf("set dispute number: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status <> 'closed'`, orderID)
	return scanDispute(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE claimant_id = $1 OR respondent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (s *PostgresStore) MarkResponded(ctx context.Context, id string, negotiationDeadline time.Time) (*Dispute, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = 'responded', negotiation_deadline = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`, id, negotiationDeadline)
	if err != nil {
		return nil, fmt.Errorf("mark dispute responded: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) (*Dispute, error) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	msg.CreatedAt = time.Now().UTC()
	payload, _ := json.Marshal(msg)

	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			messages = messages || $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status <> 'closed'`, id, payload)
	if err != nil {
		return nil, fmt.Errorf("append dispute message: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) AppendProposal(ctx context.Context, id string, offer SettlementOffer) (*Dispute, error) {
	offer.CreatedAt = time.Now().UTC()
	payload, _ := json.Marshal(offer)

	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			offer_history = offer_history || $2::JSONB,
			status = 'negotiation', updated_at = NOW()
		WHERE id = $1 AND status IN ('responded', 'negotiation')`, id, payload)
	if err != nil {
		return nil, fmt.Errorf("append settlement proposal: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RequestArbitration(ctx context.Context, id, requesterID string, escalate bool, fee string, feeDeadline time.Time) (*Dispute, error) {
	requester, _ := json.Marshal([]string{requesterID})
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			arbitration = CASE
				WHEN $3 AND NOT (arbitration->>'requested')::BOOLEAN THEN
					jsonb_set(jsonb_set(jsonb_set(
						arbitration, '{requested}', 'true'),
						'{feeAmount}', to_jsonb($4::TEXT)),
						'{feeDeadline}', to_jsonb($5::TIMESTAMPTZ))
				ELSE arbitration
			END ||
			CASE
				WHEN arbitration->'requestedBy' @> $2::JSONB THEN '{}'::JSONB
				ELSE jsonb_build_object('requestedBy',
					COALESCE(arbitration->'requestedBy', '[]'::JSONB) || $2::JSONB)
			END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('responded', 'negotiation')`,
		id, requester, escalate, fee, feeDeadline)
	if err != nil {
		return nil, fmt.Errorf("request arbitration: %w", err)
	}
	if err := s.requireTransition(ctx, res, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RecordFeePayment(ctx context.Context, id string, p ArbitrationPayment) (*Dispute, error) {
	p.PaidAt = time.Now().UTC()
	payment, _ := json.Marshal(p)
	payer, _ := json.Marshal([]map[string]string{{"payerId": p.PayerID}})

	// The arbitration transition is decided from the row being updated, not
	// from a prior read, so two simultaneous payers cannot both see the
	// other unpaid and leave the dispute short of arbitration.
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			arbitration = jsonb_set(arbitration, '{payments}',
				COALESCE(arbitration->'payments', '[]'::JSONB) || $2::JSONB),
			status = CASE
				WHEN jsonb_array_length(COALESCE(arbitration->'payments', '[]'::JSONB)) + 1 >= 2
				THEN 'arbitration' ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1 AND status <> 'closed'
			AND (arbitration->>'requested')::BOOLEAN
			AND NOT COALESCE(arbitration->'payments', '[]'::JSONB) @> $3::JSONB`,
		id, payment, payer)
	if err != nil {
		return nil, fmt.Errorf("record arbitration fee: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, s.classifyFeeConflict(ctx, id, p.PayerID)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Close(ctx context.Context, id string, from []Status, res Resolution) (*Dispute, error) {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	payload, _ := json.Marshal(res)

	r, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = 'closed', resolution = $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`, id, payload, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("close dispute: %w", err)
	}
	if err := s.requireTransition(ctx, r, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) AutoClose(ctx context.Context, id string, res Resolution, now time.Time) (*Dispute, error) {
	payload, _ := json.Marshal(res)
	r, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = 'closed', resolution = $2::JSONB, updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND response_deadline <= $3`, id, payload, now)
	if err != nil {
		return nil, fmt.Errorf("auto-close dispute: %w", err)
	}
	if err := s.requireTransition(ctx, r, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ListAutoCloseDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND response_deadline <= $1
		ORDER BY response_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto-close due: %w", err)
	}
	defer rows.Close()
	return scanDisputes(rows)
}

// requireTransition classifies a zero-row conditional update: missing row,
// already closed, or a state the transition does not allow.
func (s *PostgresStore) requireTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	return ErrInvalidState
}

func (s *PostgresStore) classifyFeeConflict(ctx context.Context, id, payerID string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case d.Status == StatusClosed:
		return ErrAlreadyClosed
	case !d.Arbitration.Requested:
		return ErrArbitrationPending
	case d.HasPaid(payerID):
		return ErrFeeAlreadyPaid
	}
	return ErrInvalidState
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var flagged, messages, history, arb, resolution []byte
	var status string
	var negotiationDeadline sql.NullTime
	err := row.Scan(
		&d.ID, &d.Number, &d.OrderID, &d.ClaimantID, &d.RespondentID, &status,
		&d.Requirements, &flagged, &d.ResponseDeadline, &negotiationDeadline,
		&messages, &history, &arb, &resolution, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}

	d.Status = Status(status)
	if negotiationDeadline.Valid {
		t := negotiationDeadline.Time
		d.NegotiationDeadline = &t
	}
	if len(flagged) > 0 {
		_ = json.Unmarshal(flagged, &d.FlaggedItems)
	}
	if len(messages) > 0 {
		_ = json.Unmarshal(messages, &d.Messages)
	}
	if len(history) > 0 {
		_ = json.Unmarshal(history, &d.OfferHistory)
	}
	if len(arb) > 0 {
		_ = json.Unmarshal(arb, &d.Arbitration)
	}
	if len(resolution) > 0 {
		_ = json.Unmarshal(resolution, &d.Resolution)
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
