// Package idempotency отсекает повторную доставку входящих событий чата.
// Транспорт может переотправить событие после таймаута; повтор не должен резервировать товар дважды.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL — сколько помнить обработанный ключ события.
const DefaultTTL = 10 * time.Minute

// Deduper запоминает ключи событий.
type Deduper interface {
	// Claim возвращает true, если ключ встречен впервые за ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget освобождает ключ, чтобы повтор события был обработан.
	Forget(ctx context.Context, key string) error
}

// Registry — Deduper в памяти процесса. Просроченные ключи удаляет CleanupWorker.
type Registry struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		keys: make(map[string]time.Time),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if expires, ok := r.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	r.keys[key] = now.Add(ttl)
	return true, nil
}

func (r *Registry) Forget(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
	return nil
}

// DeleteExpired удаляет не более limit ключей, истёкших к before.
func (r *Registry) DeleteExpired(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, expires := range r.keys {
		if limit > 0 && deleted >= limit {
			break
		}
		if !expires.After(before) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len возвращает число запомненных ключей.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

var _ Deduper = (*Registry)(nil)
