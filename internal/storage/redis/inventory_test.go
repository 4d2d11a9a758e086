package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
)

func getRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	addr := os.Getenv("CMBOT_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testPrefix изолирует ключи теста и удаляет их после завершения.
func testPrefix(t *testing.T, client *goredis.Client) string {
	t.Helper()
	prefix := fmt.Sprintf("cmbot-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return prefix
}

func sampleCatalog(qty int) []domain.CatalogItem {
	return []domain.CatalogItem{{
		Name: "Гватемала Антигуа",
		Variants: map[domain.Variant]domain.VariantStock{
			domain.Variant250g:  {Price: "14 руб.", Quantity: qty},
			domain.Variant1000g: {Price: "", Quantity: 2},
		},
	}}
}

func TestInventory_ReserveFlow(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	inv := NewInventory(client, testPrefix(t, client))

	seeded, err := inv.Seed(ctx, sampleCatalog(1))
	require.NoError(t, err)
	require.True(t, seeded)
	seeded, err = inv.Seed(ctx, sampleCatalog(100))
	require.NoError(t, err)
	require.False(t, seeded)

	res, err := inv.Reserve(ctx, 0, domain.Variant250g)
	require.NoError(t, err)
	require.Equal(t, "Гватемала Антигуа", res.Name)
	require.Equal(t, "14 руб.", res.Price)
	require.Equal(t, 0, res.Remaining)

	_, err = inv.Reserve(ctx, 0, domain.Variant250g)
	require.ErrorIs(t, err, domain.ErrOutOfStock)
	_, err = inv.Reserve(ctx, 0, domain.Variant1000g)
	require.ErrorIs(t, err, domain.ErrVariantUnavailable)
	_, err = inv.Reserve(ctx, 3, domain.Variant250g)
	require.ErrorIs(t, err, domain.ErrItemNotFound)

	require.NoError(t, inv.Release(ctx, 0, domain.Variant250g))
	items, err := inv.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Variants[domain.Variant250g].Quantity)
	require.False(t, items[0].Variants[domain.Variant1000g].Sold())
}

func TestInventory_ConcurrentReserve(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	inv := NewInventory(client, testPrefix(t, client))
	_, err := inv.Seed(ctx, sampleCatalog(10))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Reserve(ctx, 0, domain.Variant250g)
			if err == nil {
				success.Add(1)
			} else if !errors.Is(err, domain.ErrOutOfStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, success.Load())
}

func TestInventory_SeedOverwritesUnmarkedLeftovers(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	inv := NewInventory(client, testPrefix(t, client))

	require.NoError(t, client.HSet(ctx, inv.itemKey(0), "name", "старый", "qty:1000g", 9).Err())

	seeded, err := inv.Seed(ctx, sampleCatalog(3))
	require.NoError(t, err)
	require.True(t, seeded)

	items, err := inv.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Гватемала Антигуа", items[0].Name)
	require.Equal(t, 3, items[0].Variants[domain.Variant250g].Quantity)
	require.Equal(t, 2, items[0].Variants[domain.Variant1000g].Quantity)
}

func TestInventory_ConcurrentSeedFillsOnce(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	inv := NewInventory(client, testPrefix(t, client))

	var (
		wg     sync.WaitGroup
		seeded atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			ok, err := inv.Seed(ctx, sampleCatalog(qty))
			if err != nil {
				t.Errorf("seed: %v", err)
				return
			}
			if ok {
				seeded.Add(1)
			}
		}(i + 1)
	}
	wg.Wait()

	require.EqualValues(t, 1, seeded.Load())
	items, err := inv.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestSequencer_IncrAndAdvance(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	seq := NewSequencer(client, testPrefix(t, client))

	current, err := seq.Current(ctx)
	require.NoError(t, err)
	require.Zero(t, current)

	require.NoError(t, seq.Advance(ctx, 99))
	n, err := seq.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "000100", n)
}
