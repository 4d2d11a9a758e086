package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frost56k/cm-bot/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит событие и служебные поля для in-memory реализации.
type outboxRecord struct {
	event      domain.LifecycleEvent
	status     string
	attemptCnt int
	updatedAt  time.Time
}

// OutboxRepository — простое in-memory хранилище для transactional outbox.
type OutboxRepository struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	order   []string
	now     func() time.Time
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]*outboxRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его с заполненными ID и CreatedAt.
func (r *OutboxRepository) Enqueue(_ context.Context, event domain.LifecycleEvent) (domain.LifecycleEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	if _, exists := r.records[event.ID]; !exists {
		r.order = append(r.order, event.ID)
	}
	r.records[event.ID] = &outboxRecord{
		event:     event,
		status:    outboxStatusPending,
		updatedAt: event.CreatedAt,
	}
	return event, nil
}

// PullPending возвращает до limit событий со статусом `pending` в порядке постановки.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.LifecycleEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.LifecycleEvent, 0, limit)
	for _, id := range r.order {
		rec := r.records[id]
		if rec.status != outboxStatusPending {
			continue
		}
		result = append(result, rec.event)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		if rec.status != outboxStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.event.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.event.CreatedAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, outboxStatusFailed)
}

func (r *OutboxRepository) mark(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	record.status = status
	record.attemptCnt++
	record.updatedAt = r.now()
	return nil
}

// All возвращает копию всех событий в порядке постановки (используется в тестах).
func (r *OutboxRepository) All() []domain.LifecycleEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.LifecycleEvent, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.records[id].event)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

var _ domain.EventOutbox = (*OutboxRepository)(nil)
