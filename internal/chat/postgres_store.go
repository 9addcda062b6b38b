package chat

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed chat store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL chat store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureConversation(ctx context.Context, participants []string) (*Conversation, error) {
	key := participantKey(participants)

	// Racing creators land on the unique key; the loser reads the winner's row.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_key, participants)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_key) DO NOTHING`,
		newConversationID(), key, pq.Array(participants))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var conv Conversation
	err = s.db.QueryRowContext(ctx, `
		SELECT id, participants, created_at
		FROM conversations WHERE participant_key = $1`, key).
		Scan(&conv.ID, pq.Array(&conv.Participants), &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participants, created_at
		FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, pq.Array(&conv.Participants), &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT $2 = ANY(participants) FROM conversations WHERE id = $1`,
		conversationID, userID).Scan(&ok)
	if err == sql.ErrNoRows {
		return false, ErrConversationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) CreateLinkedMessage(ctx context.Context, m *Message) error {
	m.ID = newMessageID()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, author_id, kind, offer_id, body, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING created_at`,
		m.ID, m.ConversationID, m.AuthorID, string(m.Kind), m.OfferID, m.Body, m.Status).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, offerID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET status = $2 WHERE offer_id = $1`, offerID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, author_id, kind, COALESCE(offer_id, ''), body, status, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var kind string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &kind, &m.OfferID, &m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = Kind(kind)
		out = append(out, &m)
	}
	return out, rows.Err()
}
