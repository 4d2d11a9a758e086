package memory

import (
	"context"
	"testing"

	"github.com/frost56k/cm-bot/internal/domain"
)

func TestOutboxRepository_EnqueueAndPull(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	event := domain.LifecycleEvent{
		Key:     "000001",
		Type:    domain.EventOrderCreated,
		Payload: []byte(`{"order_number":"000001"}`),
	}

	saved, err := repo.Enqueue(ctx, event)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}
	if saved.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	pending, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}
	if pending[0].ID != saved.ID {
		t.Fatalf("expected same event id, got %s", pending[0].ID)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending in stats, got %d", stats.PendingCount)
	}
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	saved, err := repo.Enqueue(ctx, domain.LifecycleEvent{Type: domain.EventOrderIssued})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := repo.MarkSent(ctx, saved.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	pending, _ := repo.PullPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}

	if err := repo.MarkFailed(ctx, saved.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := repo.MarkFailed(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestOutboxRepository_PullKeepsOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		saved, err := repo.Enqueue(ctx, domain.LifecycleEvent{Type: domain.EventOrderCreated})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		ids = append(ids, saved.ID)
	}

	pending, _ := repo.PullPending(ctx, 2)
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("unexpected pull order: %+v", pending)
	}
}
