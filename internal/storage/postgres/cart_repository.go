package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frost56k/cm-bot/internal/domain"
)

// CartRepository хранит корзины в таблицах carts и cart_items.
type CartRepository struct {
	store *Store
	now   func() time.Time
}

func NewCartRepository(store *Store) *CartRepository {
	return &CartRepository{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *CartRepository) Get(ctx context.Context, userID int64) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return loadCart(ctx, r.store.DB(), userID)
}

func (r *CartRepository) Append(ctx context.Context, userID int64, item domain.LineItem) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now()
	if item.ReservedAt.IsZero() {
		item.ReservedAt = now
	}

	var cart domain.Cart
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO carts (user_id, updated_at) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		`, userID, now); err != nil {
			return domain.PersistenceError("upsert cart", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cart_items (user_id, item_idx, name, variant, price, reserved_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, userID, item.ItemIndex, item.Name, string(item.Variant), item.Price, item.ReservedAt); err != nil {
			return domain.PersistenceError("insert cart item", err)
		}
		var err error
		cart, err = loadCart(ctx, tx, userID)
		return err
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

// Clear удаляет корзину целиком и возвращает её содержимое. Строка carts блокируется,
// поэтому параллельные Clear одной корзины не вернут одни и те же позиции дважды.
func (r *CartRepository) Clear(ctx context.Context, userID int64) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var cart domain.Cart
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		var updated time.Time
		err := tx.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&updated)
		if errors.Is(err, sql.ErrNoRows) {
			cart = domain.Cart{UserID: userID}
			return nil
		}
		if err != nil {
			return domain.PersistenceError("lock cart", err)
		}

		cart, err = loadCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM carts WHERE user_id = $1`, userID); err != nil {
			return domain.PersistenceError("delete cart", err)
		}
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (r *CartRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT c.user_id
		FROM carts c
		WHERE c.updated_at < $1
		  AND EXISTS (SELECT 1 FROM cart_items ci WHERE ci.user_id = c.user_id)
		ORDER BY c.user_id
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query idle carts: %w", err)
	}
	defer rows.Close()

	result := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle cart: %w", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle carts: %w", err)
	}
	return result, nil
}

func loadCart(ctx context.Context, q rowQueryer, userID int64) (domain.Cart, error) {
	cart := domain.Cart{UserID: userID}

	var updated sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE user_id = $1`, userID).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cart, nil
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("query cart: %w", err)
	}
	cart.UpdatedAt = updated.Time.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT item_idx, name, variant, price, reserved_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item    domain.LineItem
			variant string
		)
		if err := rows.Scan(&item.ItemIndex, &item.Name, &variant, &item.Price, &item.ReservedAt); err != nil {
			return domain.Cart{}, fmt.Errorf("scan cart item: %w", err)
		}
		item.Variant = domain.Variant(variant)
		item.ReservedAt = item.ReservedAt.UTC()
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Cart{}, fmt.Errorf("iterate cart items: %w", err)
	}
	return cart, nil
}

// rowQueryer объединяет *sql.DB и *sql.Tx.
type rowQueryer interface {
	queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ domain.CartRepository = (*CartRepository)(nil)
