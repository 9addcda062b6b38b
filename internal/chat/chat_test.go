package chat

import (
	"context"
	"testing"
)

func TestEnsureConversationIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.EnsureConversation(ctx, []string{"buyer1", "seller1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Participant order must not matter.
	b, err := store.EnsureConversation(ctx, []string{"seller1", "buyer1"})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected same conversation, got %s and %s", a.ID, b.ID)
	}

	c, _ := store.EnsureConversation(ctx, []string{"buyer1", "seller2"})
	if c.ID == a.ID {
		t.Error("different participant sets must get different conversations")
	}
}

func TestIsParticipant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv, _ := store.EnsureConversation(ctx, []string{"buyer1", "seller1"})

	ok, err := store.IsParticipant(ctx, conv.ID, "buyer1")
	if err != nil || !ok {
		t.Errorf("buyer1 should be a participant (ok=%v err=%v)", ok, err)
	}
	ok, _ = store.IsParticipant(ctx, conv.ID, "stranger")
	if ok {
		t.Error("stranger must not be a participant")
	}
	if _, err := store.IsParticipant(ctx, "cnv_missing", "buyer1"); err != ErrConversationNotFound {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestLinkedMessageStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv, _ := store.EnsureConversation(ctx, []string{"buyer1", "seller1"})
	msg := &Message{
		ConversationID: conv.ID,
		AuthorID:       "seller1",
		Kind:           KindOffer,
		OfferID:        "OFR-000001",
		Status:         "pending",
	}
	if err := store.CreateLinkedMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Error("store must assign id and timestamp")
	}

	if err := store.UpdateMessageStatus(ctx, "OFR-000001", "accepted"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	msgs, _ := store.ListMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Status != "accepted" {
		t.Errorf("expected status accepted, got %s", msgs[0].Status)
	}

	if err := store.UpdateMessageStatus(ctx, "OFR-999999", "accepted"); err != ErrMessageNotFound {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv, _ := store.EnsureConversation(ctx, []string{"buyer1", "seller1"})
	for _, id := range []string{"OFR-000001", "OFR-000002", "OFR-000003"} {
		if err := store.CreateLinkedMessage(ctx, &Message{
			ConversationID: conv.ID, AuthorID: "seller1", Kind: KindOffer, OfferID: id,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	msgs, _ := store.ListMessages(ctx, conv.ID, 2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].OfferID != "OFR-000003" {
		t.Errorf("expected newest message first, got %s", msgs[0].OfferID)
	}
}
