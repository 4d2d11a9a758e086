package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frost56k/cm-bot/internal/domain"
)

// OrderLedger хранит заказы в одной таблице: ожидающие отличаются от истории флагом issued.
// Перенос в историю — один условный UPDATE, так что заказ не может оказаться в обоих состояниях.
type OrderLedger struct {
	store *Store
}

func NewOrderLedger(store *Store) *OrderLedger {
	return &OrderLedger{store: store}
}

const orderColumns = `number, user_id, full_name, username, method, total, comment,
	recipient_name, address, post_office_number, issued, issue_date, created_at`

func (r *OrderLedger) AppendPending(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NULL, $11)
		`,
			order.Number, order.UserID, order.FullName, order.Username, string(order.Method),
			order.Total.StringFixed(2), order.Comment, order.RecipientName, order.Address,
			order.PostOfficeNumber, order.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderExists
			}
			return domain.PersistenceError("insert order", err)
		}

		for pos, item := range order.Items {
			var reservedAt sql.NullTime
			if !item.ReservedAt.IsZero() {
				reservedAt = sql.NullTime{Time: item.ReservedAt, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_number, position, item_idx, name, variant, price, reserved_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, order.Number, pos, item.ItemIndex, item.Name, string(item.Variant), item.Price, reservedAt); err != nil {
				return domain.PersistenceError("insert order item", err)
			}
		}
		return nil
	})
}

func (r *OrderLedger) FindPending(ctx context.Context, number string) (domain.Order, error) {
	return r.find(ctx, number, false)
}

func (r *OrderLedger) FindHistory(ctx context.Context, number string) (domain.Order, error) {
	return r.find(ctx, number, true)
}

func (r *OrderLedger) ListPending(ctx context.Context) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE NOT issued ORDER BY number
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending orders: %w", err)
	}
	rows.Close()

	for i := range result {
		items, err := loadOrderItems(ctx, r.store.DB(), result[i].Number)
		if err != nil {
			return nil, err
		}
		result[i].Items = items
	}
	return result, nil
}

func (r *OrderLedger) MovePendingToHistory(ctx context.Context, number string, issuedAt time.Time) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.store.DB().QueryRowContext(ctx, `
		UPDATE orders SET issued = TRUE, issue_date = $2
		WHERE number = $1 AND NOT issued
		RETURNING `+orderColumns, number, issuedAt)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, domain.PersistenceError("issue order", err)
	}

	order.Items, err = loadOrderItems(ctx, r.store.DB(), number)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderLedger) find(ctx context.Context, number string, issued bool) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.store.DB().QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE number = $1 AND issued = $2
	`, number, issued)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}

	order.Items, err = loadOrderItems(ctx, r.store.DB(), number)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		method    string
		total     string
		issueDate sql.NullTime
	)
	if err := row.Scan(
		&order.Number, &order.UserID, &order.FullName, &order.Username, &method, &total,
		&order.Comment, &order.RecipientName, &order.Address, &order.PostOfficeNumber,
		&order.Issued, &issueDate, &order.CreatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse order total %q: %w", total, err)
	}
	order.Total = amount
	order.Method = domain.FulfillmentMethod(method)
	order.CreatedAt = order.CreatedAt.UTC()
	if issueDate.Valid {
		ts := issueDate.Time.UTC()
		order.IssueDate = &ts
	}
	return order, nil
}

func loadOrderItems(ctx context.Context, q queryer, number string) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT item_idx, name, variant, price, reserved_at
		FROM order_items
		WHERE order_number = $1
		ORDER BY position
	`, number)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0)
	for rows.Next() {
		var (
			item       domain.LineItem
			variant    string
			reservedAt sql.NullTime
		)
		if err := rows.Scan(&item.ItemIndex, &item.Name, &variant, &item.Price, &reservedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Variant = domain.Variant(variant)
		if reservedAt.Valid {
			item.ReservedAt = reservedAt.Time.UTC()
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

var _ domain.OrderLedger = (*OrderLedger)(nil)
