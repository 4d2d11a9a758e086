package bot

import (
	"context"
	"errors"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/service/checkout"
)

// ErrOperatorUnset — оператор не настроен, уведомление о заказе некому отправить.
var ErrOperatorUnset = errors.New("operator chat is not configured")

// Notifier отправляет сообщения о заказах покупателю и оператору.
type Notifier struct {
	messenger     Messenger
	operatorID    int64
	pickupAddress string
}

var _ checkout.Notifier = (*Notifier)(nil)

// NewNotifier создаёт уведомитель; пустой pickupAddress заменяется адресом по умолчанию.
func NewNotifier(messenger Messenger, operatorID int64, pickupAddress string) *Notifier {
	if pickupAddress == "" {
		pickupAddress = DefaultPickupAddress
	}
	return &Notifier{messenger: messenger, operatorID: operatorID, pickupAddress: pickupAddress}
}

// NotifyCustomer отправляет покупателю подтверждение заказа.
func (n *Notifier) NotifyCustomer(ctx context.Context, order domain.Order) error {
	return n.messenger.Send(ctx, customerOrderMessage(order, n.pickupAddress))
}

// NotifyOperator отправляет оператору заказ с кнопкой выдачи.
func (n *Notifier) NotifyOperator(ctx context.Context, order domain.Order) error {
	if n.operatorID == 0 {
		return ErrOperatorUnset
	}
	return n.messenger.Send(ctx, operatorOrderMessage(n.operatorID, order))
}

// NotifyExpired сообщает покупателю, что резерв его корзины снят.
func (n *Notifier) NotifyExpired(ctx context.Context, userID int64, released domain.Cart) error {
	if released.Empty() {
		return nil
	}
	return n.messenger.Send(ctx, Message{
		ChatID:   userID,
		Text:     textCartExpired + "\n\n" + itemLines(released.Items),
		Keyboard: [][]Button{Row(backToCatalogButton())},
	})
}
