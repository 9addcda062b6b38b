package offers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore is a PostgreSQL-backed offer store. Status transitions check
// the expected state in the WHERE clause; a zero-row update is classified by
// re-reading the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, number, conversation_id, proposer_id, counterparty_id, description,
	price, delivery_days, quantity, payment_style, milestones, status, response_deadline,
	COALESCE(order_id, ''), COALESCE(message_id, ''), resolved_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, o *Offer) error {
	if o.ID == "" {
		o.ID = newOfferID()
	}
	milestones, _ := json.Marshal(o.Milestones)

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO offers (
			id, conversation_id, proposer_id, counterparty_id, description,
			price, delivery_days, quantity, payment_style, milestones,
			status, response_deadline, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, nextval('offer_number_seq'))
		RETURNING seq, created_at, updated_at`,
		o.ID, o.ConversationID, o.ProposerID, o.CounterpartyID, o.Description,
		o.Price, o.DeliveryDays, o.Quantity, string(o.PaymentStyle), milestones,
		string(o.Status), o.ResponseDeadline).
		Scan(&seq, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	o.Number = FormatNumber(seq)

	if _, err := s.db.ExecContext(ctx, `UPDATE offers SET number = $2 WHERE id = $1`, o.ID, o.Number); err != nil {
		return fmt.Errorf("set offer number: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (s *PostgresStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE proposer_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (s *PostgresStore) SetLinks(ctx context.Context, id, orderID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET order_id = $2, message_id = $3, updated_at = NOW()
		WHERE id = $1`, id, orderID, messageID)
	if err != nil {
		return fmt.Errorf("set offer links: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAccepted(ctx context.Context, id string, now time.Time) (*Offer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = 'accepted', resolved_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND response_deadline > $2`, id, now)
	if err != nil {
		return nil, fmt.Errorf("accept offer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, s.classifyConflict(ctx, id, now)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id string, to Status, now time.Time) (*Offer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = $2, resolved_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, string(to), now)
	if err != nil {
		return nil, fmt.Errorf("resolve offer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id string, now time.Time) (*Offer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = 'expired', resolved_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND response_deadline <= $2`, id, now)
	if err != nil {
		return nil, fmt.Errorf("expire offer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) RestorePending(ctx context.Context, id string) (*Offer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = 'pending', resolved_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'accepted'`, id)
	if err != nil {
		return nil, fmt.Errorf("restore offer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'pending' AND response_deadline <= $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// classifyConflict distinguishes "already resolved" from "deadline passed"
// after a zero-row accept.
func (s *PostgresStore) classifyConflict(ctx context.Context, id string, now time.Time) error {
	o, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == StatusPending || o.Status == StatusExpired {
		if !now.Before(o.ResponseDeadline) {
			return ErrExpired
		}
	}
	return ErrAlreadyResolved
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var milestones []byte
	var style, status string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Number, &o.ConversationID, &o.ProposerID, &o.CounterpartyID, &o.Description,
		&o.Price, &o.DeliveryDays, &o.Quantity, &style, &milestones, &status, &o.ResponseDeadline,
		&o.OrderID, &o.MessageID, &resolvedAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan offer: %w", err)
	}

	o.PaymentStyle = PaymentStyle(style)
	o.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	_ = json.Unmarshal(milestones, &o.Milestones)
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
