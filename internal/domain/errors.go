package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound — индекс товара вне границ каталога.
	ErrItemNotFound = errors.New("catalog item not found")
	// ErrVariantUnavailable — у варианта нет цены, он не продаётся.
	ErrVariantUnavailable = errors.New("variant is not sold")
	// ErrOutOfStock — остаток варианта исчерпан.
	ErrOutOfStock = errors.New("variant is out of stock")
	// ErrVariantUnknown — вариант не входит в перечень вариантов каталога.
	ErrVariantUnknown = errors.New("unknown variant")

	// ErrCartEmpty — попытка оформить пустую корзину.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrCartChanged — корзина изменилась во время оформления и больше не содержит снимок заказа.
	ErrCartChanged = errors.New("cart changed during checkout")

	// ErrOrderNotFound — заказа нет среди ожидающих (уже выдан или неверный номер).
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists — заказ с таким номером уже записан.
	ErrOrderExists = errors.New("order already exists")

	// ErrMalformedInput — текст пользователя не разбирается в нужные поля.
	ErrMalformedInput = errors.New("malformed input")
	// ErrInvalidTransition — событие не допустимо в текущем состоянии оформления.
	ErrInvalidTransition = errors.New("invalid checkout transition")

	// ErrEventNotFound — событие отсутствует в outbox.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrOutboxPublish — публикация события во внешний брокер не удалась.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrPersistence — запись в долговременное хранилище не удалась, операцию можно повторить.
	ErrPersistence = errors.New("persistence failure")

	// Ошибки инвариантов заказа.
	ErrOrderNumberRequired = errors.New("order number is required")
	ErrUserRequired        = errors.New("user id is required")
	ErrItemsRequired       = errors.New("order must contain at least one item")
	ErrTotalMismatch       = errors.New("order total does not match items sum")
	ErrMethodInvalid       = errors.New("fulfillment method is invalid")
	ErrMailDetailsRequired = errors.New("recipient name, address and office number are required")
	ErrIssueStateInvalid   = errors.New("issued flag and issue date disagree")

	// ErrPriceInvalid — цену позиции не удалось разобрать.
	ErrPriceInvalid = errors.New("price is invalid")
)

// PersistenceError помечает err как сбой записи, сохраняя исходную причину.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// IsNotFound сообщает, относится ли ошибка к отсутствующему товару или заказу.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrOrderNotFound)
}

// IsRetryable сообщает, можно ли повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsStockError сообщает, что резерв не выполнен из-за наличия или цены.
func IsStockError(err error) bool {
	return errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrVariantUnavailable)
}

// IsUserFacing сообщает, что ошибку можно показать покупателю как есть.
func IsUserFacing(err error) bool {
	return IsNotFound(err) || IsStockError(err) ||
		errors.Is(err, ErrVariantUnknown) ||
		errors.Is(err, ErrMalformedInput) ||
		errors.Is(err, ErrCartEmpty) ||
		errors.Is(err, ErrCartChanged)
}
