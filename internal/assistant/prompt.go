package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/frost56k/cm-bot/internal/domain"
)

// CatalogPrompt строит системный промпт из текущего каталога склада.
// Используется хранилищами, у которых нет исходного документа каталога.
func CatalogPrompt(inventory domain.InventoryStore, preamble string) PromptSource {
	return func(ctx context.Context) (string, error) {
		items, err := inventory.Catalog(ctx)
		if err != nil {
			return "", fmt.Errorf("load catalog for prompt: %w", err)
		}

		var b strings.Builder
		if preamble != "" {
			b.WriteString(preamble)
			b.WriteString("\n\n")
		}
		b.WriteString("Ассортимент магазина:\n")
		for _, item := range items {
			fmt.Fprintf(&b, "- %s", item.Name)
			if item.Description != "" {
				fmt.Fprintf(&b, ": %s", item.Description)
			}
			b.WriteString("\n")
			for _, v := range item.VariantList() {
				stock := item.Variants[v]
				switch {
				case !stock.Sold():
					fmt.Fprintf(&b, "  %s: не продаётся\n", v.Label())
				case stock.Quantity > 0:
					fmt.Fprintf(&b, "  %s: %s, в наличии %d\n", v.Label(), stock.Price, stock.Quantity)
				default:
					fmt.Fprintf(&b, "  %s: %s, нет в наличии\n", v.Label(), stock.Price)
				}
			}
		}
		return b.String(), nil
	}
}
