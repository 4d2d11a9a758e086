package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencySuffix — суффикс валюты в ценах каталога.
const CurrencySuffix = "руб."

// ParsePrice разбирает цену вида "10 руб." или "12,50 руб." в decimal.
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, CurrencySuffix)
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrPriceInvalid, raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrPriceInvalid, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrPriceInvalid, raw)
	}
	return d, nil
}

// FormatAmount форматирует сумму как "10.00 руб.".
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2) + " " + CurrencySuffix
}

// SumPrices складывает цены позиций.
func SumPrices(items []LineItem) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, item := range items {
		price, err := ParsePrice(item.Price)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(price)
	}
	return total, nil
}
