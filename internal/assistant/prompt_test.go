package assistant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

func TestCatalogPrompt(t *testing.T) {
	inv := memory.NewInventory([]domain.CatalogItem{{
		Name:        "Кения АА",
		Description: "ягодная кислотность",
		Variants: map[domain.Variant]domain.VariantStock{
			domain.Variant250g:  {Price: "15 руб.", Quantity: 2},
			domain.Variant1000g: {Price: "50 руб.", Quantity: 0},
			"500":               {Price: "", Quantity: 3},
		},
	}})

	prompt, err := CatalogPrompt(inv, "Ты бариста.")(context.Background())
	require.NoError(t, err)
	require.Contains(t, prompt, "Ты бариста.")
	require.Contains(t, prompt, "- Кения АА: ягодная кислотность")
	require.Contains(t, prompt, "250г: 15 руб., в наличии 2")
	require.Contains(t, prompt, "500г: не продаётся")
	require.Contains(t, prompt, "1000г: 50 руб., нет в наличии")
}
