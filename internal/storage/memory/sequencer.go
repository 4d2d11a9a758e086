package memory

import (
	"context"
	"sync"

	"github.com/frost56k/cm-bot/internal/domain"
)

// CounterWriter сохраняет последнее выданное значение счётчика.
type CounterWriter func(ctx context.Context, last int64) error

// Sequencer выдаёт номера заказов под отдельной блокировкой.
type Sequencer struct {
	mu    sync.Mutex
	last  int64
	write CounterWriter
}

// NewSequencer создаёт счётчик, продолжающий нумерацию после last.
func NewSequencer(last int64, write CounterWriter) *Sequencer {
	return &Sequencer{last: last, write: write}
}

// Next увеличивает счётчик и сохраняет его.
// При ошибке записи значение в памяти не откатывается: допускается пропуск номера, но не повтор.
func (s *Sequencer) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last++
	if s.write != nil {
		if err := s.write(ctx, s.last); err != nil {
			return "", domain.PersistenceError("write order sequence", err)
		}
	}
	return domain.FormatOrderNumber(s.last), nil
}

func (s *Sequencer) Current(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

var _ domain.OrderSequencer = (*Sequencer)(nil)
