// Package redis хранит склад и счётчик заказов в Redis. Проверка и списание остатка
// выполняются Lua-скриптом, то есть атомарно на стороне сервера.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/frost56k/cm-bot/internal/domain"
)

const DefaultPrefix = "cmbot"

const (
	codeItemNotFound = -1
	codeUnavailable  = -2
	codeOutOfStock   = -3
)

var reserveScript = goredis.NewScript(`
local key = KEYS[1]
local variant = ARGV[1]
if redis.call('EXISTS', key) == 0 then
	return {-1}
end
local qty = redis.call('HGET', key, 'qty:' .. variant)
local price = redis.call('HGET', key, 'price:' .. variant)
if (not qty) or (not price) or price == '' then
	return {-2}
end
if tonumber(qty) <= 0 then
	return {-3}
end
local left = redis.call('HINCRBY', key, 'qty:' .. variant, -1)
return {left, price, redis.call('HGET', key, 'name')}
`)

var releaseScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
	return -1
end
if redis.call('HEXISTS', key, 'qty:' .. ARGV[1]) == 0 then
	return -2
end
return redis.call('HINCRBY', key, 'qty:' .. ARGV[1], 1)
`)

// Inventory — склад в Redis. Каждый товар — hash <prefix>:item:<index>
// с полями name, description, image_url, price:<вариант>, qty:<вариант>.
type Inventory struct {
	client goredis.UniversalClient
	prefix string
}

// NewInventory создаёт склад; пустой prefix заменяется на DefaultPrefix.
func NewInventory(client goredis.UniversalClient, prefix string) *Inventory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Inventory{client: client, prefix: prefix}
}

// Seed записывает каталог, если склад ещё не заполнен. Повторный вызов ничего не меняет.
func (r *Inventory) Seed(ctx context.Context, items []domain.CatalogItem) (bool, error) {
	seeded := false
	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, r.countKey()).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}

		// Отметка о заполнении пишется в той же транзакции, что и товары.
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, item := range items {
				fields := map[string]any{
					"name":        item.Name,
					"description": item.Description,
					"image_url":   item.ImageURL,
				}
				for variant, stock := range item.Variants {
					fields["price:"+string(variant)] = stock.Price
					fields["qty:"+string(variant)] = stock.Quantity
				}
				pipe.Del(ctx, r.itemKey(i))
				pipe.HSet(ctx, r.itemKey(i), fields)
			}
			pipe.Set(ctx, r.countKey(), len(items), 0)
			return nil
		})
		if err != nil {
			return err
		}
		seeded = true
		return nil
	}, r.countKey())
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed catalog: %w", err)
	}
	return seeded, nil
}

func (r *Inventory) Catalog(ctx context.Context) ([]domain.CatalogItem, error) {
	count, err := r.client.Get(ctx, r.countKey()).Int()
	if errors.Is(err, goredis.Nil) {
		return []domain.CatalogItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog size: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, count)
	_, err = r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i := 0; i < count; i++ {
			cmds[i] = pipe.HGetAll(ctx, r.itemKey(i))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	items := make([]domain.CatalogItem, 0, count)
	for i, cmd := range cmds {
		items = append(items, decodeItem(i, cmd.Val()))
	}
	return items, nil
}

func (r *Inventory) Item(ctx context.Context, index int) (domain.CatalogItem, error) {
	fields, err := r.client.HGetAll(ctx, r.itemKey(index)).Result()
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("read catalog item: %w", err)
	}
	if len(fields) == 0 {
		return domain.CatalogItem{}, domain.ErrItemNotFound
	}
	return decodeItem(index, fields), nil
}

func (r *Inventory) GetVariant(ctx context.Context, index int, variant domain.Variant) (domain.VariantStock, error) {
	item, err := r.Item(ctx, index)
	if err != nil {
		return domain.VariantStock{}, err
	}
	stock, ok := item.Variant(variant)
	if !ok {
		return domain.VariantStock{}, domain.ErrVariantUnavailable
	}
	return stock, nil
}

func (r *Inventory) Reserve(ctx context.Context, index int, variant domain.Variant) (domain.StockReservation, error) {
	raw, err := reserveScript.Run(ctx, r.client, []string{r.itemKey(index)}, string(variant)).Slice()
	if err != nil {
		return domain.StockReservation{}, domain.PersistenceError("reserve variant", err)
	}
	if len(raw) == 0 {
		return domain.StockReservation{}, fmt.Errorf("reserve variant: empty script reply")
	}

	code, _ := raw[0].(int64)
	switch {
	case code == codeItemNotFound:
		return domain.StockReservation{}, domain.ErrItemNotFound
	case code == codeUnavailable:
		return domain.StockReservation{}, domain.ErrVariantUnavailable
	case code == codeOutOfStock:
		return domain.StockReservation{}, domain.ErrOutOfStock
	case len(raw) < 3:
		return domain.StockReservation{}, fmt.Errorf("reserve variant: unexpected script reply %v", raw)
	}

	price, _ := raw[1].(string)
	name, _ := raw[2].(string)
	return domain.StockReservation{
		ItemIndex: index,
		Name:      name,
		Variant:   variant,
		Price:     price,
		Remaining: int(code),
	}, nil
}

func (r *Inventory) Release(ctx context.Context, index int, variant domain.Variant) error {
	code, err := releaseScript.Run(ctx, r.client, []string{r.itemKey(index)}, string(variant)).Int64()
	if err != nil {
		return domain.PersistenceError("release variant", err)
	}
	switch code {
	case codeItemNotFound:
		return domain.ErrItemNotFound
	case codeUnavailable:
		return domain.ErrVariantUnavailable
	}
	return nil
}

func (r *Inventory) itemKey(index int) string {
	return r.prefix + ":item:" + strconv.Itoa(index)
}

func (r *Inventory) countKey() string {
	return r.prefix + ":catalog:count"
}

func decodeItem(index int, fields map[string]string) domain.CatalogItem {
	item := domain.CatalogItem{
		Index:       index,
		Name:        fields["name"],
		Description: fields["description"],
		ImageURL:    fields["image_url"],
		Variants:    make(map[domain.Variant]domain.VariantStock),
	}
	for key, value := range fields {
		switch {
		case strings.HasPrefix(key, "qty:"):
			v := domain.Variant(strings.TrimPrefix(key, "qty:"))
			stock := item.Variants[v]
			stock.Quantity, _ = strconv.Atoi(value)
			item.Variants[v] = stock
		case strings.HasPrefix(key, "price:"):
			v := domain.Variant(strings.TrimPrefix(key, "price:"))
			stock := item.Variants[v]
			stock.Price = value
			item.Variants[v] = stock
		}
	}
	return item
}

var _ domain.InventoryStore = (*Inventory)(nil)
