package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frost56k/cm-bot/internal/domain"
)

// LedgerWriter сохраняет ожидающие заказы и историю. Вызывается под блокировкой журнала.
type LedgerWriter func(ctx context.Context, pending, history []domain.Order) error

// LedgerOption настраивает OrderLedger.
type LedgerOption func(*OrderLedger)

// WithLedgerWriter задаёт синхронную запись журнала после каждой мутации.
func WithLedgerWriter(w LedgerWriter) LedgerOption {
	return func(l *OrderLedger) {
		l.write = w
	}
}

// WithOrders задаёт содержимое, загруженное из хранилища.
func WithOrders(pending, history []domain.Order) LedgerOption {
	return func(l *OrderLedger) {
		l.pending = cloneOrders(pending)
		l.history = cloneOrders(history)
	}
}

// OrderLedger — in-memory журнал заказов.
// Заказ находится либо среди ожидающих, либо в истории, но не в обоих списках сразу.
type OrderLedger struct {
	mu      sync.RWMutex
	pending []domain.Order
	history []domain.Order
	write   LedgerWriter
}

// NewOrderLedger возвращает журнал для локального запуска и тестов.
func NewOrderLedger(opts ...LedgerOption) *OrderLedger {
	l := &OrderLedger{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendPending сохраняет новый заказ, если номер ещё не занят.
func (l *OrderLedger) AppendPending(ctx context.Context, order domain.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if indexOf(l.pending, order.Number) >= 0 || indexOf(l.history, order.Number) >= 0 {
		return domain.ErrOrderExists
	}
	l.pending = append(l.pending, order.Clone())
	if err := l.persist(ctx); err != nil {
		l.pending = l.pending[:len(l.pending)-1]
		return err
	}
	return nil
}

func (l *OrderLedger) FindPending(_ context.Context, number string) (domain.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := indexOf(l.pending, number)
	if idx < 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return l.pending[idx].Clone(), nil
}

// ListPending возвращает ожидающие заказы, отсортированные по номеру.
func (l *OrderLedger) ListPending(_ context.Context) ([]domain.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := cloneOrders(l.pending)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Number < result[j].Number
	})
	return result, nil
}

// MovePendingToHistory переносит заказ в историю; при ошибке записи журнал возвращается в прежнее состояние.
func (l *OrderLedger) MovePendingToHistory(ctx context.Context, number string, issuedAt time.Time) (domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexOf(l.pending, number)
	if idx < 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	prevPending := l.pending
	prevHistory := l.history

	issued := l.pending[idx].MarkIssued(issuedAt)
	rest := make([]domain.Order, 0, len(l.pending)-1)
	rest = append(rest, l.pending[:idx]...)
	rest = append(rest, l.pending[idx+1:]...)
	l.pending = rest
	l.history = append(cloneOrders(l.history), issued)

	if err := l.persist(ctx); err != nil {
		l.pending = prevPending
		l.history = prevHistory
		return domain.Order{}, err
	}
	return issued.Clone(), nil
}

func (l *OrderLedger) FindHistory(_ context.Context, number string) (domain.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := indexOf(l.history, number)
	if idx < 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return l.history[idx].Clone(), nil
}

// Snapshot возвращает копии обоих списков.
func (l *OrderLedger) Snapshot() (pending, history []domain.Order) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneOrders(l.pending), cloneOrders(l.history)
}

func (l *OrderLedger) persist(ctx context.Context) error {
	if l.write == nil {
		return nil
	}
	if err := l.write(ctx, cloneOrders(l.pending), cloneOrders(l.history)); err != nil {
		return domain.PersistenceError("write orders", err)
	}
	return nil
}

func indexOf(orders []domain.Order, number string) int {
	for i := range orders {
		if orders[i].Number == number {
			return i
		}
	}
	return -1
}

func cloneOrders(orders []domain.Order) []domain.Order {
	out := make([]domain.Order, len(orders))
	for i := range orders {
		out[i] = orders[i].Clone()
	}
	return out
}

var _ domain.OrderLedger = (*OrderLedger)(nil)
