package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Sequencer выдаёт номера заказов из однострочной таблицы order_sequence.
type Sequencer struct {
	db *sql.DB
}

func NewSequencer(store *Store) *Sequencer {
	return &Sequencer{db: store.DB()}
}

// Next атомарно увеличивает счётчик; строка блокируется на время UPDATE.
func (r *Sequencer) Next(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var next int64
	if err := r.db.QueryRowContext(ctx, `
		UPDATE order_sequence SET last_value = last_value + 1 WHERE id = 1 RETURNING last_value
	`).Scan(&next); err != nil {
		return "", domain.PersistenceError("advance order sequence", err)
	}
	return domain.FormatOrderNumber(next), nil
}

func (r *Sequencer) Current(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var last int64
	if err := r.db.QueryRowContext(ctx, `SELECT last_value FROM order_sequence WHERE id = 1`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query order sequence: %w", err)
	}
	return last, nil
}

// Advance поднимает счётчик до last, если он меньше (перенос нумерации из файлового хранилища).
func (r *Sequencer) Advance(ctx context.Context, last int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		UPDATE order_sequence SET last_value = GREATEST(last_value, $1) WHERE id = 1
	`, last); err != nil {
		return domain.PersistenceError("advance order sequence", err)
	}
	return nil
}

var _ domain.OrderSequencer = (*Sequencer)(nil)
