package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

func testCatalog(qty int) []domain.CatalogItem {
	return []domain.CatalogItem{
		{
			Name: "Эфиопия Иргачеф",
			Variants: map[domain.Variant]domain.VariantStock{
				domain.Variant250g:  {Price: "10 руб.", Quantity: qty},
				domain.Variant1000g: {Price: "", Quantity: 3},
			},
		},
		{
			Name: "Колумбия Супремо",
			Variants: map[domain.Variant]domain.VariantStock{
				domain.Variant250g:  {Price: "12,50 руб.", Quantity: qty},
				domain.Variant1000g: {Price: "45 руб.", Quantity: qty},
			},
		},
	}
}

func quantity(t *testing.T, inv domain.InventoryStore, index int, v domain.Variant) int {
	t.Helper()
	stock, err := inv.GetVariant(context.Background(), index, v)
	require.NoError(t, err)
	return stock.Quantity
}

// failingCarts отказывает в Append, сохраняя остальное поведение memory-репозитория.
type failingCarts struct {
	*memory.CartRepository
	appendErr error
}

func (f *failingCarts) Append(ctx context.Context, userID int64, item domain.LineItem) (domain.Cart, error) {
	if f.appendErr != nil {
		return domain.Cart{}, f.appendErr
	}
	return f.CartRepository.Append(ctx, userID, item)
}

func TestEngine_AddItemReservesAndAppends(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	inv := memory.NewInventory(testCatalog(1))
	engine := NewEngine(inv, memory.NewCartRepository(), WithEngineClock(func() time.Time { return now }))

	item, err := engine.AddItem(ctx, 1, 0, domain.Variant250g)
	require.NoError(t, err)
	require.Equal(t, "Эфиопия Иргачеф", item.Name)
	require.Equal(t, "10 руб.", item.Price)
	require.Equal(t, now, item.ReservedAt)
	require.Equal(t, 0, quantity(t, inv, 0, domain.Variant250g))

	cart, err := engine.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)

	_, err = engine.AddItem(ctx, 2, 0, domain.Variant250g)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	other, err := engine.GetCart(ctx, 2)
	require.NoError(t, err)
	require.True(t, other.Empty())
	require.Equal(t, 0, quantity(t, inv, 0, domain.Variant250g))
}

func TestEngine_AddItemRejectionsLeaveCartUnchanged(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(5))
	engine := NewEngine(inv, memory.NewCartRepository())

	_, err := engine.AddItem(ctx, 1, 0, domain.Variant1000g)
	require.ErrorIs(t, err, domain.ErrVariantUnavailable)

	_, err = engine.AddItem(ctx, 1, 9, domain.Variant250g)
	require.ErrorIs(t, err, domain.ErrItemNotFound)

	cart, err := engine.GetCart(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.Empty())
	require.Equal(t, 3, quantity(t, inv, 0, domain.Variant1000g))
}

func TestEngine_AddItemCompensatesFailedAppend(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(2))
	carts := &failingCarts{CartRepository: memory.NewCartRepository(), appendErr: domain.PersistenceError("write carts", errors.New("disk full"))}
	reg := prometheus.NewRegistry()
	engine := NewEngine(inv, carts, WithEngineMetrics(metrics.NewShopMetricsWithRegisterer(reg)))

	_, err := engine.AddItem(ctx, 1, 1, domain.Variant1000g)
	require.Error(t, err)
	require.True(t, domain.IsRetryable(err))
	require.Equal(t, 2, quantity(t, inv, 1, domain.Variant1000g))

	cart, err := engine.GetCart(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.Empty())
}

func TestEngine_ClearCartRestoresStock(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(3))
	engine := NewEngine(inv, memory.NewCartRepository())

	_, err := engine.AddItem(ctx, 1, 0, domain.Variant250g)
	require.NoError(t, err)
	_, err = engine.AddItem(ctx, 1, 0, domain.Variant250g)
	require.NoError(t, err)
	_, err = engine.AddItem(ctx, 1, 1, domain.Variant1000g)
	require.NoError(t, err)
	require.Equal(t, 1, quantity(t, inv, 0, domain.Variant250g))

	prev, err := engine.ClearCart(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, prev.Items, 3)
	require.Equal(t, 3, quantity(t, inv, 0, domain.Variant250g))
	require.Equal(t, 3, quantity(t, inv, 1, domain.Variant1000g))

	cart, err := engine.GetCart(ctx, 1)
	require.NoError(t, err)
	require.True(t, cart.Empty())
}

func TestEngine_ClearCartWithoutRestoreKeepsStockCommitted(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(3))
	engine := NewEngine(inv, memory.NewCartRepository())

	_, err := engine.AddItem(ctx, 1, 0, domain.Variant250g)
	require.NoError(t, err)

	prev, err := engine.ClearCart(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, prev.Items, 1)
	require.Equal(t, 2, quantity(t, inv, 0, domain.Variant250g))
}

func TestEngine_ClearEmptyCartIsNoop(t *testing.T) {
	engine := NewEngine(memory.NewInventory(testCatalog(1)), memory.NewCartRepository())

	prev, err := engine.ClearCart(context.Background(), 5, true)
	require.NoError(t, err)
	require.True(t, prev.Empty())
}

func TestEngine_ReleaseIdleSkipsFreshCarts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	inv := memory.NewInventory(testCatalog(2))
	carts := memory.NewCartRepository(memory.WithCartClock(func() time.Time { return now }))
	engine := NewEngine(inv, carts, WithEngineClock(func() time.Time { return now }))

	_, err := engine.AddItem(ctx, 1, 0, domain.Variant250g)
	require.NoError(t, err)

	_, released, err := engine.ReleaseIdle(ctx, 1, now.Add(-time.Minute))
	require.NoError(t, err)
	require.False(t, released)
	require.Equal(t, 1, quantity(t, inv, 0, domain.Variant250g))

	prev, released, err := engine.ReleaseIdle(ctx, 1, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, released)
	require.Len(t, prev.Items, 1)
	require.Equal(t, 2, quantity(t, inv, 0, domain.Variant250g))
}

// Сумма остатка и позиций во всех корзинах постоянна при любом чередовании операций.
func TestEngine_ConservationUnderConcurrentUsers(t *testing.T) {
	ctx := context.Background()
	const initial = 25
	inv := memory.NewInventory(testCatalog(initial))
	carts := memory.NewCartRepository()
	engine := NewEngine(inv, carts)

	var wg sync.WaitGroup
	for user := int64(1); user <= 10; user++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				_, _ = engine.AddItem(ctx, userID, 0, domain.Variant250g)
				if i%3 == 2 {
					_, _ = engine.ClearCart(ctx, userID, true)
				}
			}
		}(user)
	}
	wg.Wait()

	reserved := 0
	for _, cart := range carts.Snapshot() {
		reserved += len(cart.Items)
	}
	left := quantity(t, inv, 0, domain.Variant250g)
	require.GreaterOrEqual(t, left, 0)
	require.Equal(t, initial, left+reserved)
}

func TestEngine_ReattachKeepsReservation(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(3))
	engine := NewEngine(inv, memory.NewCartRepository())

	item, err := engine.AddItem(ctx, 1, 1, domain.Variant250g)
	require.NoError(t, err)
	prev, err := engine.ClearCart(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, prev.Items, 1)

	require.NoError(t, engine.Reattach(ctx, 1, prev.Items))

	cart, err := engine.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.LineItem{item}, cart.Items)
	require.Equal(t, 2, quantity(t, inv, 1, domain.Variant250g))
}

func TestEngine_ReattachReleasesUnsavedItems(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventory(testCatalog(3))
	carts := &failingCarts{CartRepository: memory.NewCartRepository()}
	engine := NewEngine(inv, carts)

	_, err := engine.AddItem(ctx, 1, 1, domain.Variant250g)
	require.NoError(t, err)
	prev, err := engine.ClearCart(ctx, 1, false)
	require.NoError(t, err)

	carts.appendErr = errors.New("disk full")
	require.Error(t, engine.Reattach(ctx, 1, prev.Items))
	require.Equal(t, 3, quantity(t, inv, 1, domain.Variant250g))
}
