package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory chat store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	byParticipant map[string]string // sorted participant key -> conversation ID
	messages      map[string][]*Message
	byOffer       map[string]*Message
}

// NewMemoryStore creates a new in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byParticipant: make(map[string]string),
		messages:      make(map[string][]*Message),
		byOffer:       make(map[string]*Message),
	}
}

func participantKey(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

func (m *MemoryStore) EnsureConversation(_ context.Context, participants []string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := participantKey(participants)
	if id, ok := m.byParticipant[key]; ok {
		return copyConversation(m.conversations[id]), nil
	}

	conv := &Conversation{
		ID:           newConversationID(),
		Participants: append([]string(nil), participants...),
		CreatedAt:    time.Now().UTC(),
	}
	m.conversations[conv.ID] = conv
	m.byParticipant[key] = conv.ID
	return copyConversation(conv), nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (m *MemoryStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	for _, p := range conv.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateLinkedMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrConversationNotFound
	}

	msg.ID = newMessageID()
	msg.CreatedAt = time.Now().UTC()
	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	if msg.OfferID != "" {
		m.byOffer[msg.OfferID] = &stored
	}
	return nil
}

func (m *MemoryStore) UpdateMessageStatus(_ context.Context, offerID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byOffer[offerID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = status
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	// Newest first.
	out := make([]*Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *msgs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}
