package domain

import (
	"context"
	"time"
)

// InventoryStore владеет остатками и ценами каталога.
// Reserve — единственная точка уменьшения остатка.
type InventoryStore interface {
	// Catalog возвращает копию всего каталога в порядке индексов.
	Catalog(ctx context.Context) ([]CatalogItem, error)
	// Item возвращает товар или ErrItemNotFound.
	Item(ctx context.Context, index int) (CatalogItem, error)
	// GetVariant возвращает цену и остаток варианта.
	GetVariant(ctx context.Context, index int, variant Variant) (VariantStock, error)
	// Reserve атомарно проверяет quantity > 0 и наличие цены, затем уменьшает остаток на 1.
	Reserve(ctx context.Context, index int, variant Variant) (StockReservation, error)
	// Release безусловно возвращает единицу на склад (только для отмены резерва).
	Release(ctx context.Context, index int, variant Variant) error
}

// OrderSequencer выдаёт уникальные возрастающие номера заказов.
type OrderSequencer interface {
	// Next увеличивает счётчик, сохраняет его и возвращает номер из OrderNumberWidth цифр.
	Next(ctx context.Context) (string, error)
	// Current возвращает последнее выданное значение счётчика.
	Current(ctx context.Context) (int64, error)
}

// CartRepository хранит корзины пользователей.
type CartRepository interface {
	// Get возвращает корзину; для нового пользователя — пустую.
	Get(ctx context.Context, userID int64) (Cart, error)
	// Append добавляет позицию в конец корзины и сохраняет её.
	Append(ctx context.Context, userID int64, item LineItem) (Cart, error)
	// Clear атомарно опустошает корзину и возвращает её прежнее содержимое.
	Clear(ctx context.Context, userID int64) (Cart, error)
	// ListIdle возвращает пользователей с непустыми корзинами, неактивными с момента before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// OrderLedger — журнал заказов: ожидающие выдачи и история.
type OrderLedger interface {
	// AppendPending записывает новый заказ; ErrOrderExists при повторе номера.
	AppendPending(ctx context.Context, order Order) error
	// FindPending возвращает ожидающий заказ или ErrOrderNotFound.
	FindPending(ctx context.Context, number string) (Order, error)
	// ListPending возвращает ожидающие заказы в порядке номеров.
	ListPending(ctx context.Context) ([]Order, error)
	// MovePendingToHistory атомарно переносит заказ в историю с Issued=true.
	// Если заказа нет среди ожидающих — ErrOrderNotFound без изменений.
	MovePendingToHistory(ctx context.Context, number string, issuedAt time.Time) (Order, error)
	// FindHistory возвращает выданный заказ или ErrOrderNotFound.
	FindHistory(ctx context.Context, number string) (Order, error)
}

// EventOutbox сохраняет события для последующей публикации.
type EventOutbox interface {
	Enqueue(ctx context.Context, event LifecycleEvent) (LifecycleEvent, error)
	PullPending(ctx context.Context, limit int) ([]LifecycleEvent, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// EventPublisher публикует событие наружу; должен быть идемпотентным по ID.
type EventPublisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// ConversationStore хранит сведения о пользователе и историю диалога с ассистентом.
type ConversationStore interface {
	UserInfo(ctx context.Context, userID int64) (UserInfo, bool, error)
	SaveUserInfo(ctx context.Context, userID int64, info UserInfo) error
	AppendMessage(ctx context.Context, userID int64, msg ChatMessage, keep int) error
	History(ctx context.Context, userID int64) ([]ChatMessage, error)
}

// Flusher сбрасывает кэшированное состояние в долговременное хранилище.
type Flusher interface {
	Flush(ctx context.Context) error
}
