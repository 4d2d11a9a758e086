package memory

import (
	"context"
	"sync"

	"github.com/frost56k/cm-bot/internal/domain"
)

// CatalogWriter сохраняет полный снимок каталога. Вызывается под блокировкой склада.
type CatalogWriter func(ctx context.Context, items []domain.CatalogItem) error

// InventoryOption настраивает Inventory.
type InventoryOption func(*Inventory)

// WithCatalogWriter задаёт синхронную запись каталога после каждой мутации.
func WithCatalogWriter(w CatalogWriter) InventoryOption {
	return func(s *Inventory) {
		s.write = w
	}
}

// Inventory — in-memory склад с единой блокировкой на все мутации.
type Inventory struct {
	mu    sync.Mutex
	items []domain.CatalogItem
	write CatalogWriter
}

// NewInventory создаёт склад из загруженного каталога. Индексы товаров переназначаются по позиции.
func NewInventory(items []domain.CatalogItem, opts ...InventoryOption) *Inventory {
	s := &Inventory{items: cloneCatalog(items)}
	for i := range s.items {
		s.items[i].Index = i
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Inventory) Catalog(_ context.Context) ([]domain.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCatalog(s.items), nil
}

func (s *Inventory) Item(_ context.Context, index int) (domain.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.items) {
		return domain.CatalogItem{}, domain.ErrItemNotFound
	}
	return s.items[index].Clone(), nil
}

func (s *Inventory) GetVariant(_ context.Context, index int, variant domain.Variant) (domain.VariantStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, stock, err := s.lookup(index, variant)
	return stock, err
}

// Reserve проверяет и уменьшает остаток в одной критической секции вместе с записью.
func (s *Inventory) Reserve(ctx context.Context, index int, variant domain.Variant) (domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, stock, err := s.lookup(index, variant)
	if err != nil {
		return domain.StockReservation{}, err
	}
	if !stock.Sold() {
		return domain.StockReservation{}, domain.ErrVariantUnavailable
	}
	if stock.Quantity <= 0 {
		return domain.StockReservation{}, domain.ErrOutOfStock
	}

	s.setQuantity(index, variant, stock.Quantity-1)
	if err := s.persist(ctx); err != nil {
		s.setQuantity(index, variant, stock.Quantity)
		return domain.StockReservation{}, err
	}

	return domain.StockReservation{
		ItemIndex: index,
		Name:      item.Name,
		Variant:   variant,
		Price:     stock.Price,
		Remaining: stock.Quantity - 1,
	}, nil
}

// Release возвращает единицу на склад независимо от цены.
// Вариант, которого нет в каталоге, не создаётся: ErrVariantUnavailable.
func (s *Inventory) Release(ctx context.Context, index int, variant domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return domain.ErrItemNotFound
	}
	stock, ok := s.items[index].Variants[variant]
	if !ok {
		return domain.ErrVariantUnavailable
	}
	s.setQuantity(index, variant, stock.Quantity+1)
	if err := s.persist(ctx); err != nil {
		s.setQuantity(index, variant, stock.Quantity)
		return err
	}
	return nil
}

func (s *Inventory) lookup(index int, variant domain.Variant) (domain.CatalogItem, domain.VariantStock, error) {
	if index < 0 || index >= len(s.items) {
		return domain.CatalogItem{}, domain.VariantStock{}, domain.ErrItemNotFound
	}
	item := s.items[index]
	stock, ok := item.Variant(variant)
	if !ok {
		return item, domain.VariantStock{}, domain.ErrVariantUnavailable
	}
	return item, stock, nil
}

func (s *Inventory) setQuantity(index int, variant domain.Variant, qty int) {
	if s.items[index].Variants == nil {
		s.items[index].Variants = make(map[domain.Variant]domain.VariantStock)
	}
	stock := s.items[index].Variants[variant]
	stock.Quantity = qty
	s.items[index].Variants[variant] = stock
}

func (s *Inventory) persist(ctx context.Context) error {
	if s.write == nil {
		return nil
	}
	if err := s.write(ctx, cloneCatalog(s.items)); err != nil {
		return domain.PersistenceError("write catalog", err)
	}
	return nil
}

func cloneCatalog(items []domain.CatalogItem) []domain.CatalogItem {
	out := make([]domain.CatalogItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

var _ domain.InventoryStore = (*Inventory)(nil)
