package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianworks/meridian/internal/idgen"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/pagination"
)

// PostgresStore persists ledger data in PostgreSQL.
//
// Append serializes per-user mutations with a row lock on wallet_balances,
// so two concurrent captures against the same wallet cannot lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, user_id, type, amount, resulting_balance, status, rail,
	external_ref, order_id, description, created_at`

func (p *PostgresStore) Append(ctx context.Context, e Entry) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbtx.Rollback() }()

	// Ensure the balance row exists, then lock it for the duration of the
	// transaction. This is the per-user serialization point.
	if _, err := dbtx.ExecContext(ctx, `
		INSERT INTO wallet_balances (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING`, e.UserID); err != nil {
		return nil, err
	}

	var balance int64
	if err := dbtx.QueryRowContext(ctx, `
		SELECT (balance * 100)::BIGINT FROM wallet_balances
		WHERE user_id = $1 FOR UPDATE`, e.UserID).Scan(&balance); err != nil {
		return nil, err
	}

	next := balance + delta(e.Type, e.Amount)
	if next < 0 {
		return nil, ErrInsufficientFunds
	}

	tx := &Transaction{
		ID:               idgen.WithPrefix("ltx_"),
		UserID:           e.UserID,
		Type:             e.Type,
		Amount:           money.Format(e.Amount),
		ResultingBalance: money.Format(next),
		Status:           StatusCompleted,
		Rail:             e.Rail,
		ExternalRef:      e.ExternalRef,
		OrderID:          e.OrderID,
		Description:      e.Description,
	}

	if err := dbtx.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (
			id, user_id, type, amount, resulting_balance, status, rail,
			external_ref, order_id, description
		) VALUES (
			$1, $2, $3, $4::NUMERIC(12,2), $5::NUMERIC(12,2), $6, $7, $8, $9, $10
		) RETURNING created_at`,
		tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.ResultingBalance,
		string(tx.Status), string(tx.Rail),
		nullStr(tx.ExternalRef), nullStr(tx.OrderID), nullStr(tx.Description),
	).Scan(&tx.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert ledger transaction: %w", err)
	}

	if _, err := dbtx.ExecContext(ctx, `
		UPDATE wallet_balances SET balance = $1::NUMERIC(12,2), updated_at = NOW()
		WHERE user_id = $2`,
		tx.ResultingBalance, e.UserID); err != nil {
		return nil, fmt.Errorf("update cached balance: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT (balance * 100)::BIGINT FROM wallet_balances WHERE user_id = $1`,
		userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (p *PostgresStore) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + ` FROM ledger_transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	args := []any{userID, limit}
	if cursor != nil {
		query = `
		SELECT ` + txColumns + ` FROM ledger_transactions
		WHERE user_id = $1 AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func scanTx(rows *sql.Rows) (*Transaction, error) {
	var (
		tx                      Transaction
		typ, status, rail       string
		extRef, orderID, descr  sql.NullString
	)
	if err := rows.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.ResultingBalance,
		&status, &rail, &extRef, &orderID, &descr, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	tx.Status = Status(status)
	tx.Rail = Rail(rail)
	if extRef.Valid {
		tx.ExternalRef = extRef.String
	}
	if orderID.Valid {
		tx.OrderID = orderID.String
	}
	if descr.Valid {
		tx.Description = descr.String
	}
	return &tx, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
