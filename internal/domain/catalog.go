package domain

import (
	"sort"
	"strconv"
)

// Variant — весовой вариант товара. Значение совпадает с весом в граммах ("250", "1000").
type Variant string

const (
	Variant250g  Variant = "250"
	Variant1000g Variant = "1000"
)

// Label возвращает подпись варианта для сообщений ("250г").
func (v Variant) Label() string {
	return string(v) + "г"
}

// Grams возвращает вес варианта; для нечислового значения — 0.
func (v Variant) Grams() int {
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0
	}
	return n
}

// Valid проверяет, что вариант задан положительным числом граммов.
func (v Variant) Valid() bool {
	return v.Grams() > 0
}

// ParseVariant разбирает вариант из callback-данных или ввода.
func ParseVariant(raw string) (Variant, error) {
	v := Variant(raw)
	if !v.Valid() {
		return "", ErrVariantUnknown
	}
	return v, nil
}

// VariantStock хранит цену и остаток одного варианта.
type VariantStock struct {
	// Price — цена с суффиксом валюты ("10 руб."). Пустая строка означает, что вариант не продаётся.
	Price    string
	Quantity int
}

// Sold сообщает, продаётся ли вариант вообще.
func (s VariantStock) Sold() bool {
	return s.Price != ""
}

// Purchasable сообщает, можно ли зарезервировать единицу прямо сейчас.
func (s VariantStock) Purchasable() bool {
	return s.Sold() && s.Quantity > 0
}

// CatalogItem — товар каталога с набором весовых вариантов.
// Index — позиция в каталоге, единственный доступный идентификатор.
type CatalogItem struct {
	Index       int
	Name        string
	Description string
	ImageURL    string
	Variants    map[Variant]VariantStock
}

// Variant возвращает остаток варианта; ok=false, если вариант не описан у товара.
func (c CatalogItem) Variant(v Variant) (VariantStock, bool) {
	stock, ok := c.Variants[v]
	return stock, ok
}

// VariantList возвращает варианты товара по возрастанию веса.
func (c CatalogItem) VariantList() []Variant {
	result := make([]Variant, 0, len(c.Variants))
	for v := range c.Variants {
		result = append(result, v)
	}
	SortVariants(result)
	return result
}

// Clone возвращает глубокую копию товара.
func (c CatalogItem) Clone() CatalogItem {
	out := c
	out.Variants = make(map[Variant]VariantStock, len(c.Variants))
	for v, s := range c.Variants {
		out.Variants[v] = s
	}
	return out
}

// SortVariants упорядочивает варианты по весу.
func SortVariants(vs []Variant) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Grams() != vs[j].Grams() {
			return vs[i].Grams() < vs[j].Grams()
		}
		return vs[i] < vs[j]
	})
}

// StockReservation — результат успешного резерва одной единицы.
// Name и Price снимаются в момент резерва и дальше из каталога не перечитываются.
type StockReservation struct {
	ItemIndex int
	Name      string
	Variant   Variant
	Price     string
	Remaining int
}
