package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType — тип события жизненного цикла заказа/корзины.
type EventType string

const (
	EventOrderCreated EventType = "order.created"
	EventOrderIssued  EventType = "order.issued"
	EventCartExpired  EventType = "cart.expired"
)

// LifecycleEvent — событие, ожидающее публикации во внешний брокер.
type LifecycleEvent struct {
	ID string
	// Key — ключ партиционирования: номер заказа или id пользователя.
	Key       string
	Type      EventType
	Payload   []byte
	CreatedAt time.Time
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// ChatMessage — одна реплика в истории диалога с ассистентом.
type ChatMessage struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// UserInfo — сведения о пользователе, сохранённые при первом обращении.
type UserInfo struct {
	Username  string
	FirstName string
	LastName  string
}

// orderEventPayload — тело событий order.created и order.issued.
type orderEventPayload struct {
	OrderNumber string     `json:"order_number"`
	UserID      int64      `json:"user_id"`
	Method      string     `json:"payment_method"`
	Total       string     `json:"total"`
	Items       int        `json:"items"`
	CreatedAt   time.Time  `json:"created_at"`
	IssueDate   *time.Time `json:"issue_date,omitempty"`
}

// cartExpiredPayload — тело события cart.expired.
type cartExpiredPayload struct {
	UserID     int64     `json:"user_id"`
	Released   int       `json:"released"`
	ReleasedAt time.Time `json:"released_at"`
}

// NewOrderEvent строит событие жизненного цикла заказа с ключом по номеру заказа.
func NewOrderEvent(eventType EventType, order Order, now time.Time) (LifecycleEvent, error) {
	payload, err := json.Marshal(orderEventPayload{
		OrderNumber: order.Number,
		UserID:      order.UserID,
		Method:      string(order.Method),
		Total:       order.Total.StringFixed(2),
		Items:       len(order.Items),
		CreatedAt:   order.CreatedAt,
		IssueDate:   order.IssueDate,
	})
	if err != nil {
		return LifecycleEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return LifecycleEvent{
		Key:       order.Number,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// NewCartExpiredEvent строит событие об освобождении просроченной корзины.
func NewCartExpiredEvent(userID int64, released int, now time.Time) (LifecycleEvent, error) {
	payload, err := json.Marshal(cartExpiredPayload{
		UserID:     userID,
		Released:   released,
		ReleasedAt: now,
	})
	if err != nil {
		return LifecycleEvent{}, fmt.Errorf("marshal %s payload: %w", EventCartExpired, err)
	}
	return LifecycleEvent{
		Key:       strconv.FormatInt(userID, 10),
		Type:      EventCartExpired,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}
