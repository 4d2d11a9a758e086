package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem — одна зарезервированная единица в корзине.
type LineItem struct {
	ItemIndex int
	// Name и Price денормализованы в момент резерва.
	Name       string
	Variant    Variant
	Price      string
	ReservedAt time.Time
}

// SameUnit сообщает, описывают ли позиции одну и ту же единицу каталога по той же цене.
func (l LineItem) SameUnit(other LineItem) bool {
	return l.ItemIndex == other.ItemIndex && l.Variant == other.Variant && l.Price == other.Price
}

// Cart — корзина пользователя.
type Cart struct {
	UserID    int64
	Items     []LineItem
	UpdatedAt time.Time
}

// Empty сообщает, что в корзине нет позиций.
func (c Cart) Empty() bool {
	return len(c.Items) == 0
}

// Total возвращает сумму цен позиций.
func (c Cart) Total() (decimal.Decimal, error) {
	return SumPrices(c.Items)
}

// Snapshot возвращает независимую копию позиций.
func (c Cart) Snapshot() []LineItem {
	return CloneItems(c.Items)
}

// LastActivity возвращает момент последнего изменения корзины.
func (c Cart) LastActivity() time.Time {
	last := c.UpdatedAt
	for _, item := range c.Items {
		if item.ReservedAt.After(last) {
			last = item.ReservedAt
		}
	}
	return last
}

// CloneItems копирует срез позиций.
func CloneItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// SubtractItems возвращает позиции from, которых нет в take (мультимножество).
// ok=false, если take содержит позицию, отсутствующую в from.
func SubtractItems(from, take []LineItem) (rest []LineItem, ok bool) {
	rest = CloneItems(from)
	for _, t := range take {
		found := -1
		for i, r := range rest {
			if r.SameUnit(t) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, false
		}
		rest = append(rest[:found], rest[found+1:]...)
	}
	return rest, true
}
