package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frost56k/cm-bot/internal/domain"
)

// CartWriter сохраняет все корзины. Вызывается под блокировкой репозитория.
type CartWriter func(ctx context.Context, carts map[int64]domain.Cart) error

// CartOption настраивает CartRepository.
type CartOption func(*CartRepository)

// WithCartWriter задаёт синхронную запись корзин после каждой мутации.
func WithCartWriter(w CartWriter) CartOption {
	return func(r *CartRepository) {
		r.write = w
	}
}

// WithCartClock подменяет источник времени (для тестов).
func WithCartClock(now func() time.Time) CartOption {
	return func(r *CartRepository) {
		r.now = now
	}
}

// WithCarts задаёт начальное содержимое, загруженное из хранилища.
func WithCarts(carts map[int64]domain.Cart) CartOption {
	return func(r *CartRepository) {
		for id, c := range carts {
			if c.Empty() {
				continue
			}
			c.UserID = id
			c.Items = domain.CloneItems(c.Items)
			r.carts[id] = c
		}
	}
}

// CartRepository — in-memory хранилище корзин.
type CartRepository struct {
	mu    sync.RWMutex
	carts map[int64]domain.Cart
	write CartWriter
	now   func() time.Time
}

// NewCartRepository создаёт пустое хранилище корзин.
func NewCartRepository(opts ...CartOption) *CartRepository {
	r := &CartRepository{
		carts: make(map[int64]domain.Cart),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CartRepository) Get(_ context.Context, userID int64) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cartLocked(userID), nil
}

func (r *CartRepository) Append(ctx context.Context, userID int64, item domain.LineItem) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.carts[userID]
	next := r.cartLocked(userID)
	next.Items = append(next.Items, item)
	next.UpdatedAt = r.now()
	r.carts[userID] = next

	if err := r.persist(ctx); err != nil {
		r.restore(userID, prev, existed)
		return domain.Cart{}, err
	}
	return r.cartLocked(userID), nil
}

func (r *CartRepository) Clear(ctx context.Context, userID int64) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.carts[userID]
	if !existed || prev.Empty() {
		return domain.Cart{UserID: userID}, nil
	}
	delete(r.carts, userID)

	if err := r.persist(ctx); err != nil {
		r.restore(userID, prev, existed)
		return domain.Cart{}, err
	}
	prev.Items = domain.CloneItems(prev.Items)
	return prev, nil
}

func (r *CartRepository) ListIdle(_ context.Context, before time.Time, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]int64, 0)
	for id, c := range r.carts {
		if c.Empty() || !c.LastActivity().Before(before) {
			continue
		}
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Snapshot возвращает копию всех непустых корзин.
func (r *CartRepository) Snapshot() map[int64]domain.Cart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *CartRepository) cartLocked(userID int64) domain.Cart {
	c, ok := r.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}
	}
	c.Items = domain.CloneItems(c.Items)
	return c
}

func (r *CartRepository) restore(userID int64, prev domain.Cart, existed bool) {
	if existed {
		r.carts[userID] = prev
		return
	}
	delete(r.carts, userID)
}

func (r *CartRepository) persist(ctx context.Context) error {
	if r.write == nil {
		return nil
	}
	if err := r.write(ctx, r.snapshotLocked()); err != nil {
		return domain.PersistenceError("write carts", err)
	}
	return nil
}

func (r *CartRepository) snapshotLocked() map[int64]domain.Cart {
	out := make(map[int64]domain.Cart, len(r.carts))
	for id, c := range r.carts {
		c.Items = domain.CloneItems(c.Items)
		out[id] = c
	}
	return out
}

var _ domain.CartRepository = (*CartRepository)(nil)
