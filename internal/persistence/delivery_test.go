package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/koclaw/internal/persistence"
)

func TestChannelPrefix(t *testing.T) {
	cases := []struct {
		conversation string
		want         string
	}{
		{"telegram-123456", "telegram"},
		{"telegram-group-ops", "telegram"},
		{"chat", "chat"},
		{"chat-main", "chat"},
		{"", "chat"},
		{"nodash", "chat"},
	}
	for _, tc := range cases {
		if got := persistence.ChannelPrefix(tc.conversation); got != tc.want {
			t.Errorf("ChannelPrefix(%q) = %q, want %q", tc.conversation, got, tc.want)
		}
	}
}

func TestEnqueueDelivery_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := insertTask(t, store, func(task *persistence.Task) { task.Conversation = "telegram-555" })
	id, err := store.EnqueueDelivery(ctx, persistence.DeliveryItem{
		TaskID:       task.ID,
		Conversation: "telegram-555",
		Message:      "nightly report finished",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("enqueue returned empty id")
	}

	pending, err := store.PendingDeliveries(ctx, "telegram")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	item := pending[0]
	if item.Status != persistence.DeliveryStatusPending {
		t.Fatalf("status = %q, want pending", item.Status)
	}
	if item.ChannelPrefix != "telegram" {
		t.Fatalf("channel_prefix = %q, want telegram", item.ChannelPrefix)
	}

	if err := store.MarkDelivered(ctx, item.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	pending, err = store.PendingDeliveries(ctx, "telegram")
	if err != nil {
		t.Fatalf("pending after delivered: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after delivered = %d, want 0", len(pending))
	}
}

func TestPendingDeliveries_ScopedToPrefixAndOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := insertTask(t, store, nil)
	base := time.Now().UTC()
	first, err := store.EnqueueDelivery(ctx, persistence.DeliveryItem{
		TaskID:       task.ID,
		Conversation: "chat",
		Message:      "first",
		CreatedAt:    base,
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := store.EnqueueDelivery(ctx, persistence.DeliveryItem{
		TaskID:       task.ID,
		Conversation: "chat",
		Message:      "second",
		CreatedAt:    base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if _, err := store.EnqueueDelivery(ctx, persistence.DeliveryItem{
		TaskID:       task.ID,
		Conversation: "telegram-9",
		Message:      "other channel",
	}); err != nil {
		t.Fatalf("enqueue telegram: %v", err)
	}

	pending, err := store.PendingDeliveries(ctx, "chat")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending chat = %d, want 2", len(pending))
	}
	if pending[0].ID != first || pending[1].ID != second {
		t.Fatalf("pending order wrong: %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestMarkDeliveryFailed_RemovesFromPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := insertTask(t, store, nil)
	id, err := store.EnqueueDelivery(ctx, persistence.DeliveryItem{
		TaskID:       task.ID,
		Conversation: "chat",
		Message:      "will fail",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkDeliveryFailed(ctx, id); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	count, err := store.PendingDeliveryCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("pending count = %d, want 0", count)
	}
}
