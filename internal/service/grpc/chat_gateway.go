package grpcsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/frost56k/cm-bot/internal/bot"
	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/service/idempotency"
)

const (
	serviceName = "cmbot.v1.ChatGateway"

	methodHandleEvent = "/" + serviceName + "/HandleEvent"
	methodSubscribe   = "/" + serviceName + "/Subscribe"

	idempotencyKeyHeader = "idempotency-key"
)

// EventRequest — входящее событие мессенджера.
type EventRequest struct {
	// EventID — идентификатор апдейта у транспорта; повтор с тем же id не обрабатывается.
	EventID   string `json:"event_id,omitempty"`
	Kind      string `json:"kind"`
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
}

// EventResponse подтверждает приём события.
type EventResponse struct {
	RequestID string `json:"request_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SubscribeRequest открывает поток исходящих сообщений.
type SubscribeRequest struct {
	Consumer string `json:"consumer,omitempty"`
}

func (r *EventRequest) event() bot.Event {
	return bot.Event{
		Kind:      bot.EventKind(r.Kind),
		UserID:    r.UserID,
		ChatID:    r.ChatID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Username:  r.Username,
		Text:      r.Text,
	}
}

// EventHandler обрабатывает событие чата (bot.Dispatcher).
type EventHandler interface {
	Handle(ctx context.Context, ev bot.Event) error
}

// Outbox — источник исходящих сообщений (bot.Hub).
type Outbox interface {
	Messages() <-chan bot.Message
	Done() <-chan struct{}
}

// ChatGatewayServer — серверная сторона cmbot.v1.ChatGateway.
type ChatGatewayServer interface {
	HandleEvent(ctx context.Context, req *EventRequest) (*EventResponse, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

// GatewayOptions задаёт параметры шлюза.
type GatewayOptions struct {
	Logger    *log.Entry
	Deduper   idempotency.Deduper
	DedupeTTL time.Duration
}

// GatewayOption настраивает ChatGateway.
type GatewayOption func(*GatewayOptions)

// WithLogger задаёт logger шлюза.
func WithLogger(logger *log.Entry) GatewayOption {
	return func(opts *GatewayOptions) {
		opts.Logger = logger
	}
}

// WithDeduper включает отсев повторно доставленных событий.
func WithDeduper(deduper idempotency.Deduper, ttl time.Duration) GatewayOption {
	return func(opts *GatewayOptions) {
		opts.Deduper = deduper
		opts.DedupeTTL = ttl
	}
}

// ChatGateway связывает чат-транспорт с диспетчером бота.
type ChatGateway struct {
	handler EventHandler
	outbox  Outbox
	deduper idempotency.Deduper
	ttl     time.Duration
	logger  *log.Entry
}

// NewChatGateway конструирует шлюз.
func NewChatGateway(handler EventHandler, outbox Outbox, options ...GatewayOption) *ChatGateway {
	opts := GatewayOptions{DedupeTTL: idempotency.DefaultTTL}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "chat-gateway")
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = idempotency.DefaultTTL
	}
	return &ChatGateway{
		handler: handler,
		outbox:  outbox,
		deduper: opts.Deduper,
		ttl:     opts.DedupeTTL,
		logger:  logger,
	}
}

// HandleEvent передаёт событие диспетчеру. Ответы пользователю уходят через Subscribe.
func (g *ChatGateway) HandleEvent(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.UserID == 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	switch bot.EventKind(req.Kind) {
	case bot.EventCommand, bot.EventText, bot.EventButton:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported kind %q", req.Kind)
	}

	resp := &EventResponse{RequestID: uuid.NewString()}
	logger := g.logger.WithFields(log.Fields{
		"request_id": resp.RequestID,
		"user_id":    req.UserID,
	})

	key := dedupeKey(ctx, req)
	if key != "" && g.deduper != nil {
		fresh, err := g.deduper.Claim(ctx, key, g.ttl)
		if err != nil {
			logger.WithError(err).Warn("event dedupe unavailable, handling without it")
			key = ""
		} else if !fresh {
			logger.WithField("event_key", key).Debug("duplicate chat event skipped")
			resp.Duplicate = true
			return resp, nil
		}
	}

	if err := g.handler.Handle(ctx, req.event()); err != nil {
		g.forget(key, logger)
		if errors.Is(err, bot.ErrInvalidEvent) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		if domain.IsRetryable(err) {
			logger.WithError(err).Warn("chat event not persisted, redelivery allowed")
			return nil, status.Error(codes.Unavailable, "event was not persisted, retry")
		}
		logger.WithError(err).Error("chat event handling failed")
		return nil, status.Error(codes.Internal, "failed to handle event")
	}
	return resp, nil
}

// Subscribe отдаёт исходящие сообщения, пока клиент подключён.
// Несколько подписчиков делят одну очередь.
func (g *ChatGateway) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	logger := g.logger
	if req != nil && req.Consumer != "" {
		logger = logger.WithField("consumer", req.Consumer)
	}
	logger.Info("outbound subscriber connected")
	defer logger.Info("outbound subscriber disconnected")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.outbox.Done():
			return status.Error(codes.Unavailable, "gateway is shutting down")
		case msg := <-g.outbox.Messages():
			if err := stream.SendMsg(&msg); err != nil {
				logger.WithError(err).WithField("chat_id", msg.ChatID).Warn("outbound message lost")
				return err
			}
		}
	}
}

// forget освобождает ключ после неудачи, чтобы повтор события обработался.
func (g *ChatGateway) forget(key string, logger *log.Entry) {
	if key == "" || g.deduper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.deduper.Forget(ctx, key); err != nil {
		logger.WithError(err).Warn("failed to release event key")
	}
}

func dedupeKey(ctx context.Context, req *EventRequest) string {
	if id := strings.TrimSpace(req.EventID); id != "" {
		return id
	}
	return readIdempotencyKey(ctx)
}

func readIdempotencyKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(idempotencyKeyHeader)
		if len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

var _ ChatGatewayServer = (*ChatGateway)(nil)
