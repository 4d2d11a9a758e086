package file

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

// Форматы записей совпадают с файлами, которые бот вёл до перехода на Go.

type cartItemRecord struct {
	CoffeeIndex int        `json:"coffee_index"`
	Name        string     `json:"name"`
	Weight      string     `json:"weight"`
	Price       string     `json:"price"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty"`
}

type orderRecord struct {
	OrderNumber      string           `json:"order_number"`
	UserID           int64            `json:"user_id"`
	FullName         string           `json:"full_name"`
	Cart             []cartItemRecord `json:"cart"`
	PaymentMethod    string           `json:"payment_method"`
	Total            json.Number      `json:"total"`
	Issued           bool             `json:"issued"`
	Username         *string          `json:"username"`
	Comment          *string          `json:"comment"`
	RecipientName    *string          `json:"recipient_name"`
	Address          *string          `json:"address"`
	PostOfficeNumber *string          `json:"post_office_number"`
	IssueDate        *string          `json:"issue_date"`
	CreatedAt        string           `json:"created_at,omitempty"`
}

type ordersFile struct {
	Orders []orderRecord `json:"orders"`
}

type counterFile struct {
	LastOrderNumber int64 `json:"last_order_number"`
}

type userInfoRecord struct {
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

type messageRecord struct {
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type conversationRecord struct {
	UserInfo      *userInfoRecord  `json:"user_info"`
	Messages      []messageRecord  `json:"messages"`
	Cart          []cartItemRecord `json:"cart"`
	CartUpdatedAt string           `json:"cart_updated_at,omitempty"`
}

func toCartRecords(items []domain.LineItem) []cartItemRecord {
	out := make([]cartItemRecord, 0, len(items))
	for _, item := range items {
		rec := cartItemRecord{
			CoffeeIndex: item.ItemIndex,
			Name:        item.Name,
			Weight:      string(item.Variant),
			Price:       item.Price,
		}
		if !item.ReservedAt.IsZero() {
			ts := item.ReservedAt
			rec.ReservedAt = &ts
		}
		out = append(out, rec)
	}
	return out
}

func fromCartRecords(records []cartItemRecord) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(records))
	for _, rec := range records {
		item := domain.LineItem{
			ItemIndex: rec.CoffeeIndex,
			Name:      rec.Name,
			Variant:   domain.Variant(rec.Weight),
			Price:     rec.Price,
		}
		if rec.ReservedAt != nil {
			item.ReservedAt = *rec.ReservedAt
		}
		out = append(out, item)
	}
	return out
}

func toOrderRecord(o domain.Order) orderRecord {
	rec := orderRecord{
		OrderNumber:   o.Number,
		UserID:        o.UserID,
		FullName:      o.FullName,
		Cart:          toCartRecords(o.Items),
		PaymentMethod: o.Method.Title(),
		Total:         json.Number(o.Total.StringFixed(2)),
		Issued:        o.Issued,
		Username:      optional(o.Username),
	}
	if !o.CreatedAt.IsZero() {
		rec.CreatedAt = o.CreatedAt.Format(time.RFC3339Nano)
	}
	switch o.Method {
	case domain.FulfillmentPickupCash:
		rec.Comment = optional(o.Comment)
	case domain.FulfillmentMailDispatch:
		rec.RecipientName = optional(o.RecipientName)
		rec.Address = optional(o.Address)
		rec.PostOfficeNumber = optional(o.PostOfficeNumber)
	}
	if o.IssueDate != nil {
		ts := o.IssueDate.Format(time.RFC3339Nano)
		rec.IssueDate = &ts
	}
	return rec
}

func fromOrderRecord(rec orderRecord) (domain.Order, error) {
	method, err := parseMethod(rec.PaymentMethod)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", rec.OrderNumber, err)
	}
	total := decimal.Zero
	if rec.Total != "" {
		total, err = decimal.NewFromString(rec.Total.String())
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s total: %w", rec.OrderNumber, err)
		}
	}
	order := domain.Order{
		Number:   rec.OrderNumber,
		UserID:   rec.UserID,
		FullName: rec.FullName,
		Username: deref(rec.Username),
		Items:    fromCartRecords(rec.Cart),
		Method:   method,
		Total:    total,
		OrderDetails: domain.OrderDetails{
			Comment:          deref(rec.Comment),
			RecipientName:    deref(rec.RecipientName),
			Address:          deref(rec.Address),
			PostOfficeNumber: deref(rec.PostOfficeNumber),
		},
		Issued: rec.Issued,
	}
	if rec.CreatedAt != "" {
		order.CreatedAt, _ = parseTimestamp(rec.CreatedAt)
	}
	if rec.IssueDate != nil {
		ts, err := parseTimestamp(*rec.IssueDate)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s issue_date: %w", rec.OrderNumber, err)
		}
		order.IssueDate = &ts
	}
	return order, nil
}

// parseMethod принимает как код способа, так и его название из старых файлов.
func parseMethod(raw string) (domain.FulfillmentMethod, error) {
	for _, m := range []domain.FulfillmentMethod{domain.FulfillmentPickupCash, domain.FulfillmentMailDispatch} {
		if raw == string(m) || raw == m.Title() {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrMethodInvalid, raw)
}

// parseTimestamp понимает RFC3339 и ISO-формат без зоны (считается UTC).
func parseTimestamp(raw string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func toConversationRecord(conv memory.Conversation, cart domain.Cart) conversationRecord {
	rec := conversationRecord{
		Messages: make([]messageRecord, 0, len(conv.Messages)),
		Cart:     toCartRecords(cart.Items),
	}
	if conv.Info != nil {
		rec.UserInfo = &userInfoRecord{
			Username:  optional(conv.Info.Username),
			FirstName: optional(conv.Info.FirstName),
			LastName:  optional(conv.Info.LastName),
		}
	} else {
		rec.UserInfo = &userInfoRecord{}
	}
	for _, msg := range conv.Messages {
		rec.Messages = append(rec.Messages, messageRecord{
			Role:      msg.Role,
			Message:   msg.Text,
			Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		})
	}
	if !cart.Empty() && !cart.UpdatedAt.IsZero() {
		rec.CartUpdatedAt = cart.UpdatedAt.Format(time.RFC3339Nano)
	}
	return rec
}

func fromConversationRecord(rec conversationRecord) (memory.Conversation, []domain.LineItem, time.Time) {
	var conv memory.Conversation
	if rec.UserInfo != nil {
		info := domain.UserInfo{
			Username:  deref(rec.UserInfo.Username),
			FirstName: deref(rec.UserInfo.FirstName),
			LastName:  deref(rec.UserInfo.LastName),
		}
		if info != (domain.UserInfo{}) {
			conv.Info = &info
		}
	}
	for _, msg := range rec.Messages {
		ts, _ := parseTimestamp(msg.Timestamp)
		conv.Messages = append(conv.Messages, domain.ChatMessage{Role: msg.Role, Text: msg.Message, Timestamp: ts})
	}
	var updated time.Time
	if rec.CartUpdatedAt != "" {
		updated, _ = parseTimestamp(rec.CartUpdatedAt)
	}
	return conv, fromCartRecords(rec.Cart), updated
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
