// Package chat is the narrow slice of the conversation system the
// transaction engines touch: offers and disputes post linked cards into a
// buyer-seller conversation, and participant membership backs authorization
// checks. Free-form messaging lives elsewhere.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/meridianworks/meridian/internal/idgen"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not a participant in this conversation")
)

// Kind classifies a linked message.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindSystem Kind = "system"
)

// Message is a structured card in a conversation. Offer cards carry the
// offer's current status so clients can render accept/reject controls.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	AuthorID       string    `json:"authorId"`
	Kind           Kind      `json:"kind"`
	OfferID        string    `json:"offerId,omitempty"`
	Body           string    `json:"body,omitempty"`
	Status         string    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation links a fixed participant set.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists conversations and linked messages.
type Store interface {
	// EnsureConversation returns the existing conversation for exactly this
	// participant set, creating it if absent.
	EnsureConversation(ctx context.Context, participants []string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	CreateLinkedMessage(ctx context.Context, m *Message) error
	// UpdateMessageStatus updates the status shown on the card linked to the
	// given offer.
	UpdateMessageStatus(ctx context.Context, offerID, status string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

func newConversationID() string { return idgen.WithPrefix("cnv_") }
func newMessageID() string      { return idgen.WithPrefix("msg_") }
