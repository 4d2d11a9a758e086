package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderNumberWidth — ширина номера заказа с ведущими нулями.
const OrderNumberWidth = 6

// NoCommentText подставляется, когда покупатель отказался от комментария.
const NoCommentText = "Без комментария"

// FormatOrderNumber форматирует значение счётчика как номер заказа ("000042").
func FormatOrderNumber(n int64) string {
	return fmt.Sprintf("%0*d", OrderNumberWidth, n)
}

// FulfillmentMethod — способ получения заказа.
type FulfillmentMethod string

const (
	// FulfillmentPickupCash — самовывоз, оплата при получении.
	FulfillmentPickupCash FulfillmentMethod = "pickup_cash"
	// FulfillmentMailDispatch — отправка почтой (Европочта), оплата в отделении.
	FulfillmentMailDispatch FulfillmentMethod = "mail_dispatch"
)

// Valid проверяет, что способ относится к поддерживаемым.
func (m FulfillmentMethod) Valid() bool {
	switch m {
	case FulfillmentPickupCash, FulfillmentMailDispatch:
		return true
	default:
		return false
	}
}

// Title возвращает название способа для сообщений.
func (m FulfillmentMethod) Title() string {
	switch m {
	case FulfillmentPickupCash:
		return "Самовывоз (оплата при получении)"
	case FulfillmentMailDispatch:
		return "Европочта (оплата при получении)"
	default:
		return string(m)
	}
}

// Customer — данные покупателя, пришедшие с событием транспорта.
type Customer struct {
	UserID   int64
	FullName string
	Username string
}

// OrderDetails — данные, собранные на шагах оформления.
type OrderDetails struct {
	Comment          string
	RecipientName    string
	Address          string
	PostOfficeNumber string
}

// NormalizeComment приводит ответ "нет"/"no" (и пустой ввод) к NoCommentText.
func NormalizeComment(raw string) string {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "нет", "no":
		return NoCommentText
	default:
		return s
	}
}

// Order — неизменяемый снимок оформленного заказа.
// Меняется ровно один раз: Issued false→true вместе с IssueDate.
type Order struct {
	Number   string
	UserID   int64
	FullName string
	Username string
	Items    []LineItem
	Method   FulfillmentMethod
	Total    decimal.Decimal
	OrderDetails
	Issued    bool
	IssueDate *time.Time
	CreatedAt time.Time
}

// NewOrder строит заказ из снимка корзины. Позиции копируются, сумма считается по ним.
func NewOrder(number string, customer Customer, items []LineItem, method FulfillmentMethod, details OrderDetails, now time.Time) (Order, error) {
	total, err := SumPrices(items)
	if err != nil {
		return Order{}, err
	}
	if method == FulfillmentPickupCash {
		details.Comment = NormalizeComment(details.Comment)
	}
	order := Order{
		Number:       number,
		UserID:       customer.UserID,
		FullName:     customer.FullName,
		Username:     customer.Username,
		Items:        CloneItems(items),
		Method:       method,
		Total:        total,
		OrderDetails: details,
		CreatedAt:    now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Order{}, errs[0]
	}
	return order, nil
}

// MarkIssued возвращает копию заказа, отмеченную выданной.
func (o Order) MarkIssued(at time.Time) Order {
	out := o.Clone()
	out.Issued = true
	ts := at
	out.IssueDate = &ts
	return out
}

// Clone возвращает копию заказа без общих срезов и указателей.
func (o Order) Clone() Order {
	out := o
	out.Items = CloneItems(o.Items)
	if o.IssueDate != nil {
		ts := *o.IssueDate
		out.IssueDate = &ts
	}
	return out
}

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if o.Number == "" {
		errs = append(errs, ErrOrderNumberRequired)
	}
	if o.UserID == 0 {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Method.Valid() {
		errs = append(errs, ErrMethodInvalid)
	}
	if o.Method == FulfillmentMailDispatch &&
		(o.RecipientName == "" || o.Address == "" || o.PostOfficeNumber == "") {
		errs = append(errs, ErrMailDetailsRequired)
	}
	if o.Issued != (o.IssueDate != nil) {
		errs = append(errs, ErrIssueStateInvalid)
	}

	// Сумма заказа обязана совпадать с суммой цен позиций на момент снимка.
	calc, err := SumPrices(o.Items)
	if err != nil {
		errs = append(errs, err)
	} else if !calc.Equal(o.Total) {
		errs = append(errs, ErrTotalMismatch)
	}
	return errs
}
