package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frost56k/cm-bot/internal/domain"
)

// State — шаг оформления заказа.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingMethodChoice  State = "awaiting_method_choice"
	StateAwaitingPickupComment State = "awaiting_pickup_comment"
	StateAwaitingRecipientName State = "awaiting_recipient_name"
	StateAwaitingOfficeDetails State = "awaiting_office_details"
)

// AwaitsText сообщает, ждёт ли шаг текстового ввода от пользователя.
func (s State) AwaitsText() bool {
	switch s {
	case StateAwaitingPickupComment, StateAwaitingRecipientName, StateAwaitingOfficeDetails:
		return true
	default:
		return false
	}
}

// Session — состояние оформления одного пользователя вместе с собранными данными.
type Session struct {
	State    State
	Customer domain.Customer
	// Items — снимок корзины на момент выбора способа получения.
	Items     []domain.LineItem
	Total     decimal.Decimal
	Method    domain.FulfillmentMethod
	Details   domain.OrderDetails
	StartedAt time.Time
}

func (s Session) clone() Session {
	out := s
	out.Items = domain.CloneItems(s.Items)
	return out
}

// Result — итог обработки ввода на шаге оформления.
type Result struct {
	Session Session
	// Order заполнен, если ввод завершил оформление.
	Order *domain.Order
}

// Finalized сообщает, что заказ создан.
func (r Result) Finalized() bool {
	return r.Order != nil
}

// ParseOfficeDetails разбирает "адрес, номер отделения".
// Разделителем служит первая запятая, обе части обязаны быть непустыми.
func ParseOfficeDetails(raw string) (address, office string, err error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: address and post office must be separated by a comma", domain.ErrMalformedInput)
	}
	address = strings.TrimSpace(parts[0])
	office = strings.TrimSpace(parts[1])
	if address == "" || office == "" {
		return "", "", fmt.Errorf("%w: address and post office must not be empty", domain.ErrMalformedInput)
	}
	return address, office, nil
}
