package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "cmbot.order.events"
	TopicDeadLetterQueue = "cmbot.dlq"
)

// Kafka headers событий
const (
	HeaderEventID   = "x-event-id"
	HeaderEventType = "x-event-type"
)

// Envelope — формат сообщения о событии жизненного цикла в топике.
type Envelope struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает событие для публикации.
func NewEnvelope(event domain.LifecycleEvent, publishedAt time.Time) Envelope {
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:          event.ID,
		Key:         event.Key,
		Type:        string(event.Type),
		Payload:     payload,
		CreatedAt:   event.CreatedAt,
		PublishedAt: publishedAt,
	}
}

// Event восстанавливает событие из конверта.
func (e Envelope) Event() domain.LifecycleEvent {
	return domain.LifecycleEvent{
		ID:        e.ID,
		Key:       e.Key,
		Type:      domain.EventType(e.Type),
		Payload:   []byte(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

// PartitionKey возвращает ключ партиционирования: номер заказа или id события.
func (e Envelope) PartitionKey() string {
	if e.Key != "" {
		return e.Key
	}
	return e.ID
}

// DecodeEnvelope разбирает сообщение топика событий.
func DecodeEnvelope(value []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return Envelope{}, fmt.Errorf("decode event envelope: id and type are required")
	}
	return envelope, nil
}
