package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

func lineItem(price string) domain.LineItem {
	return domain.LineItem{ItemIndex: 0, Name: "Колумбия", Variant: domain.Variant250g, Price: price}
}

func TestCartRepository_AppendAndClear(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCartRepository()

	empty, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, empty.Empty())

	_, err = repo.Append(ctx, 7, lineItem("10 руб."))
	require.NoError(t, err)
	cart, err := repo.Append(ctx, 7, lineItem("12 руб."))
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)
	require.Equal(t, "12 руб.", cart.Items[1].Price)

	prev, err := repo.Clear(ctx, 7)
	require.NoError(t, err)
	require.Len(t, prev.Items, 2)

	after, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, after.Empty())

	again, err := repo.Clear(ctx, 7)
	require.NoError(t, err)
	require.True(t, again.Empty())
}

func TestCartRepository_WriteFailureReverts(t *testing.T) {
	ctx := context.Background()
	failing := false
	repo := memory.NewCartRepository(memory.WithCartWriter(func(context.Context, map[int64]domain.Cart) error {
		if failing {
			return errors.New("io error")
		}
		return nil
	}))

	_, err := repo.Append(ctx, 1, lineItem("10 руб."))
	require.NoError(t, err)

	failing = true
	_, err = repo.Append(ctx, 1, lineItem("10 руб."))
	require.ErrorIs(t, err, domain.ErrPersistence)
	_, err = repo.Clear(ctx, 1)
	require.ErrorIs(t, err, domain.ErrPersistence)

	cart, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
}

func TestCartRepository_ListIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	repo := memory.NewCartRepository(memory.WithCartClock(func() time.Time { return clock }))

	_, err := repo.Append(ctx, 2, lineItem("10 руб."))
	require.NoError(t, err)
	clock = now.Add(time.Hour)
	_, err = repo.Append(ctx, 1, lineItem("10 руб."))
	require.NoError(t, err)

	idle, err := repo.ListIdle(ctx, now.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, idle)

	idle, err = repo.ListIdle(ctx, now.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, idle)
}
