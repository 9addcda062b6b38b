package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresMarkerStore is a PostgreSQL-backed marker store.
type PostgresMarkerStore struct {
	db *sql.DB
}

// NewPostgresMarkerStore creates a new PostgreSQL marker store.
func NewPostgresMarkerStore(db *sql.DB) *PostgresMarkerStore {
	return &PostgresMarkerStore{db: db}
}

func (s *PostgresMarkerStore) MarkSent(ctx context.Context, kind, entityID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_markers (kind, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (kind, entity_id) DO NOTHING`, kind, entityID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n == 0 {
		return ErrMarkerExists
	}
	return nil
}

func (s *PostgresMarkerStore) WasSent(ctx context.Context, kind, entityID string) (bool, error) {
	var sent bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM reminder_markers WHERE kind = $1 AND entity_id = $2)`,
		kind, entityID).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("check marker: %w", err)
	}
	return sent, nil
}
