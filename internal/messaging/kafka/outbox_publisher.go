package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/frost56k/cm-bot/internal/domain"
)

// EventPublisher публикует события жизненного цикла в заданный topic.
type EventPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewEventPublisher создаёт паблишер для outbox worker.
func NewEventPublisher(producer *Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &EventPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Topic возвращает целевой topic.
func (p *EventPublisher) Topic() string {
	return p.topic
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka event publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	envelope := NewEnvelope(event, p.now())
	return p.producer.PublishJSON(p.topic, envelope.PartitionKey(), envelope, map[string]string{
		HeaderEventID:   event.ID,
		HeaderEventType: string(event.Type),
	})
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
