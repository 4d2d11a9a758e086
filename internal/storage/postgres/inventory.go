package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Inventory — склад в PostgreSQL. Резерв выполняется одним условным UPDATE,
// CHECK (quantity >= 0) на таблице вариантов дублирует условие на уровне схемы.
type Inventory struct {
	db *sql.DB
}

// NewInventory создаёт склад поверх открытого Store.
func NewInventory(store *Store) *Inventory {
	return &Inventory{db: store.DB()}
}

// Seed заполняет пустой каталог. Если товары уже есть, ничего не меняет.
func (r *Inventory) Seed(ctx context.Context, items []domain.CatalogItem) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_items`).Scan(&count); err != nil {
		return false, fmt.Errorf("count catalog items: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_items (idx, name, description, image_url)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (idx) DO NOTHING
		`, i, item.Name, item.Description, item.ImageURL); err != nil {
			return false, fmt.Errorf("insert catalog item %d: %w", i, err)
		}
		for _, variant := range item.VariantList() {
			stock := item.Variants[variant]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO catalog_variants (item_idx, variant, price, quantity)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (item_idx, variant) DO NOTHING
			`, i, string(variant), nullablePrice(stock.Price), stock.Quantity); err != nil {
				return false, fmt.Errorf("insert catalog variant %d/%s: %w", i, variant, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seed tx: %w", err)
	}
	return true, nil
}

func (r *Inventory) Catalog(ctx context.Context) ([]domain.CatalogItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT i.idx, i.name, i.description, i.image_url, v.variant, v.price, v.quantity
		FROM catalog_items i
		LEFT JOIN catalog_variants v ON v.item_idx = i.idx
		ORDER BY i.idx, v.variant
	`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CatalogItem, 0)
	for rows.Next() {
		var (
			item    domain.CatalogItem
			variant sql.NullString
			price   sql.NullString
			qty     sql.NullInt64
		)
		if err := rows.Scan(&item.Index, &item.Name, &item.Description, &item.ImageURL, &variant, &price, &qty); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if n := len(result); n == 0 || result[n-1].Index != item.Index {
			item.Variants = make(map[domain.Variant]domain.VariantStock)
			result = append(result, item)
		}
		if variant.Valid {
			result[len(result)-1].Variants[domain.Variant(variant.String)] = domain.VariantStock{
				Price:    price.String,
				Quantity: int(qty.Int64),
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return result, nil
}

func (r *Inventory) Item(ctx context.Context, index int) (domain.CatalogItem, error) {
	items, err := r.Catalog(ctx)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	for _, item := range items {
		if item.Index == index {
			return item, nil
		}
	}
	return domain.CatalogItem{}, domain.ErrItemNotFound
}

func (r *Inventory) GetVariant(ctx context.Context, index int, variant domain.Variant) (domain.VariantStock, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		price sql.NullString
		qty   int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT price, quantity FROM catalog_variants WHERE item_idx = $1 AND variant = $2
	`, index, string(variant)).Scan(&price, &qty)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VariantStock{}, r.missing(ctx, index)
	}
	if err != nil {
		return domain.VariantStock{}, fmt.Errorf("query variant: %w", err)
	}
	return domain.VariantStock{Price: price.String, Quantity: qty}, nil
}

// Reserve уменьшает остаток только если вариант продаётся и остаток положителен.
func (r *Inventory) Reserve(ctx context.Context, index int, variant domain.Variant) (domain.StockReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res := domain.StockReservation{ItemIndex: index, Variant: variant}
	err := r.db.QueryRowContext(ctx, `
		UPDATE catalog_variants v
		SET quantity = v.quantity - 1
		FROM catalog_items i
		WHERE v.item_idx = $1 AND v.variant = $2
		  AND v.price IS NOT NULL AND v.quantity > 0
		  AND i.idx = v.item_idx
		RETURNING i.name, v.price, v.quantity
	`, index, string(variant)).Scan(&res.Name, &res.Price, &res.Remaining)
	if err == nil {
		return res, nil
	}
	if isCheckViolation(err) {
		return domain.StockReservation{}, domain.ErrOutOfStock
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StockReservation{}, domain.PersistenceError("reserve variant", err)
	}

	// Строка не обновлена: выясняем причину отказа.
	stock, err := r.GetVariant(ctx, index, variant)
	if err != nil {
		return domain.StockReservation{}, err
	}
	if !stock.Sold() {
		return domain.StockReservation{}, domain.ErrVariantUnavailable
	}
	return domain.StockReservation{}, domain.ErrOutOfStock
}

func (r *Inventory) Release(ctx context.Context, index int, variant domain.Variant) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE catalog_variants SET quantity = quantity + 1 WHERE item_idx = $1 AND variant = $2
	`, index, string(variant))
	if err != nil {
		return domain.PersistenceError("release variant", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.PersistenceError("release variant rows affected", err)
	}
	if affected == 0 {
		return r.missing(ctx, index)
	}
	return nil
}

// missing различает отсутствующий товар и неописанный вариант.
func (r *Inventory) missing(ctx context.Context, index int) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM catalog_items WHERE idx = $1)`, index).Scan(&exists); err != nil {
		return fmt.Errorf("check catalog item: %w", err)
	}
	if !exists {
		return domain.ErrItemNotFound
	}
	return domain.ErrVariantUnavailable
}

func nullablePrice(price string) sql.NullString {
	return sql.NullString{String: price, Valid: price != ""}
}

var _ domain.InventoryStore = (*Inventory)(nil)
