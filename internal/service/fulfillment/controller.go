package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
)

// Options задаёт параметры контроллера выдачи.
type Options struct {
	Logger  *log.Entry
	Outbox  domain.EventOutbox
	Metrics *metrics.ShopMetrics
	Now     func() time.Time
}

// Option настраивает Controller.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithOutbox включает событие order.issued.
func WithOutbox(outbox domain.EventOutbox) Option {
	return func(opts *Options) {
		opts.Outbox = outbox
	}
}

// WithMetrics подключает метрики магазина.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Controller переносит выданные заказы из ожидающих в историю.
type Controller struct {
	ledger  domain.OrderLedger
	outbox  domain.EventOutbox
	logger  *log.Entry
	metrics *metrics.ShopMetrics
	now     func() time.Time
}

// NewController создаёт контроллер выдачи.
func NewController(ledger domain.OrderLedger, options ...Option) *Controller {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "fulfillment")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Controller{
		ledger:  ledger,
		outbox:  opts.Outbox,
		logger:  logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Issue отмечает заказ выданным. Повторный вызов для того же номера
// возвращает ErrOrderNotFound и не создаёт второй записи в истории.
func (c *Controller) Issue(ctx context.Context, number string) (domain.Order, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order, err := c.ledger.MovePendingToHistory(ctx, number, c.now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("issue order %s: %w", number, err)
	}

	logger := c.logger.WithFields(log.Fields{
		"order_number": order.Number,
		"user_id":      order.UserID,
	})
	logger.Info("order issued")

	if c.metrics != nil {
		c.metrics.RecordOrderIssued()
	}
	c.enqueueIssued(ctx, order, logger)
	return order, nil
}

// Pending возвращает ожидающий заказ (для шага подтверждения выдачи).
func (c *Controller) Pending(ctx context.Context, number string) (domain.Order, error) {
	return c.ledger.FindPending(ctx, strings.TrimSpace(number))
}

// ListPending возвращает все заказы, ожидающие выдачи.
func (c *Controller) ListPending(ctx context.Context) ([]domain.Order, error) {
	return c.ledger.ListPending(ctx)
}

func (c *Controller) enqueueIssued(ctx context.Context, order domain.Order, logger *log.Entry) {
	if c.outbox == nil {
		return
	}
	event, err := domain.NewOrderEvent(domain.EventOrderIssued, order, c.now())
	if err != nil {
		logger.WithError(err).Warn("failed to build order.issued event")
		return
	}
	if _, err := c.outbox.Enqueue(ctx, event); err != nil {
		logger.WithError(err).Warn("failed to enqueue order.issued event")
		return
	}
	if c.metrics != nil {
		c.metrics.RecordOutboxEvent(string(domain.EventOrderIssued))
	}
}
