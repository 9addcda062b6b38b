package payments

import (
	"context"
	"database/sql"

	"github.com/meridianworks/meridian/internal/idgen"
	"github.com/meridianworks/meridian/internal/ledger"
)

// PostgresWarningStore persists consistency warnings in PostgreSQL.
type PostgresWarningStore struct {
	db *sql.DB
}

// NewPostgresWarningStore creates a new PostgreSQL-backed warning store.
func NewPostgresWarningStore(db *sql.DB) *PostgresWarningStore {
	return &PostgresWarningStore{db: db}
}

func (p *PostgresWarningStore) Create(ctx context.Context, w *ConsistencyWarning) error {
	if w.ID == "" {
		w.ID = idgen.WithPrefix("cwr_")
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO consistency_warnings (id, user_id, order_id, rail, amount, stage, detail)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6, $7)
		RETURNING created_at`,
		w.ID, w.UserID, nullStr(w.OrderID), string(w.Rail), w.Amount,
		string(w.Stage), w.Detail,
	).Scan(&w.CreatedAt)
}

func (p *PostgresWarningStore) ListOpen(ctx context.Context, limit int) ([]*ConsistencyWarning, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, order_id, rail, amount, stage, detail, created_at, resolved_at
		FROM consistency_warnings
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ConsistencyWarning
	for rows.Next() {
		var (
			w        ConsistencyWarning
			orderID  sql.NullString
			rail     string
			stage    string
			resolved sql.NullTime
		)
		if err := rows.Scan(&w.ID, &w.UserID, &orderID, &rail, &w.Amount,
			&stage, &w.Detail, &w.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		if orderID.Valid {
			w.OrderID = orderID.String
		}
		w.Rail = ledger.Rail(rail)
		w.Stage = WarningStage(stage)
		if resolved.Valid {
			w.ResolvedAt = &resolved.Time
		}
		result = append(result, &w)
	}
	return result, rows.Err()
}

func (p *PostgresWarningStore) Resolve(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE consistency_warnings SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWarningNotFound
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
