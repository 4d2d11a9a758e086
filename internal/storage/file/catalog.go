package file

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/frost56k/cm-bot/internal/domain"
)

const catalogKey = "coffee_shop"

var variantKey = regexp.MustCompile(`^(quantity|price)_(\d+)g$`)

// catalogDocument — документ каталога целиком. Поля, о которых склад не знает, сохраняются при записи.
type catalogDocument struct {
	raw   map[string]any
	items []map[string]any
}

// loadCatalogDocument читает каталог (JSON или YAML). Отсутствующий файл даёт пустой каталог.
func loadCatalogDocument(path string) (*catalogDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &catalogDocument{raw: map[string]any{catalogKey: []any{}}}, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return parseCatalogDocument(data)
}

// LoadCatalog читает товары из файла каталога. Нужен для заполнения склада Postgres или Redis.
func LoadCatalog(path string) ([]domain.CatalogItem, error) {
	doc, err := loadCatalogDocument(path)
	if err != nil {
		return nil, err
	}
	return doc.Items()
}

func parseCatalogDocument(data []byte) (*catalogDocument, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}

	doc := &catalogDocument{raw: raw}
	list, _ := raw[catalogKey].([]any)
	for i, entry := range list {
		item, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parse catalog: item %d is not an object", i)
		}
		doc.items = append(doc.items, item)
	}
	return doc, nil
}

// Items переводит документ в доменную модель.
func (d *catalogDocument) Items() ([]domain.CatalogItem, error) {
	result := make([]domain.CatalogItem, 0, len(d.items))
	for i, raw := range d.items {
		item := domain.CatalogItem{
			Index:       i,
			Name:        stringField(raw, "name"),
			Description: stringField(raw, "description"),
			ImageURL:    stringField(raw, "image_url"),
			Variants:    make(map[domain.Variant]domain.VariantStock),
		}
		for key, value := range raw {
			m := variantKey.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			variant := domain.Variant(m[2])
			stock := item.Variants[variant]
			switch m[1] {
			case "quantity":
				qty, err := intValue(value)
				if err != nil {
					return nil, fmt.Errorf("catalog item %d %s: %w", i, key, err)
				}
				stock.Quantity = qty
			case "price":
				stock.Price = priceValue(value)
			}
			item.Variants[variant] = stock
		}
		result = append(result, item)
	}
	return result, nil
}

// Apply переносит остатки и цены обратно в документ, не трогая остальные поля.
func (d *catalogDocument) Apply(items []domain.CatalogItem) {
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(d.items) {
			continue
		}
		raw := d.items[item.Index]
		for variant, stock := range item.Variants {
			raw["quantity_"+string(variant)+"g"] = stock.Quantity
			if stock.Price == "" {
				raw["price_"+string(variant)+"g"] = nil
			} else {
				raw["price_"+string(variant)+"g"] = stock.Price
			}
		}
	}
	list := make([]any, len(d.items))
	for i, item := range d.items {
		list[i] = item
	}
	d.raw[catalogKey] = list
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected quantity type %T", v)
	}
}

// priceValue приводит цену к строке с валютой; null означает, что вариант не продаётся.
func priceValue(v any) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return p
	default:
		return fmt.Sprint(p) + " " + domain.CurrencySuffix
	}
}
