package checkout

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
	"github.com/frost56k/cm-bot/internal/service/reservation"
)

const clearCartAttempts = 3

// Notifier доставляет сообщения о новом заказе покупателю и оператору.
type Notifier interface {
	NotifyCustomer(ctx context.Context, order domain.Order) error
	// NotifyOperator отправляет оператору заказ вместе с действием выдачи по его номеру.
	NotifyOperator(ctx context.Context, order domain.Order) error
}

// FinalizerOptions задаёт параметры финализации.
type FinalizerOptions struct {
	Logger   *log.Entry
	Outbox   domain.EventOutbox
	Notifier Notifier
	Metrics  *metrics.ShopMetrics
	Now      func() time.Time
}

// FinalizerOption настраивает Finalizer.
type FinalizerOption func(*FinalizerOptions)

// WithFinalizerLogger задаёт logger.
func WithFinalizerLogger(logger *log.Entry) FinalizerOption {
	return func(opts *FinalizerOptions) {
		opts.Logger = logger
	}
}

// WithOutbox включает событие order.created.
func WithOutbox(outbox domain.EventOutbox) FinalizerOption {
	return func(opts *FinalizerOptions) {
		opts.Outbox = outbox
	}
}

// WithNotifier задаёт доставку уведомлений.
func WithNotifier(n Notifier) FinalizerOption {
	return func(opts *FinalizerOptions) {
		opts.Notifier = n
	}
}

// WithFinalizerMetrics подключает метрики магазина.
func WithFinalizerMetrics(m *metrics.ShopMetrics) FinalizerOption {
	return func(opts *FinalizerOptions) {
		opts.Metrics = m
	}
}

// WithFinalizerClock подменяет источник времени.
func WithFinalizerClock(now func() time.Time) FinalizerOption {
	return func(opts *FinalizerOptions) {
		opts.Now = now
	}
}

// Finalizer превращает снимок корзины в заказ.
// Порядок шагов: номер, снимок, запись в журнал, уведомления, очистка корзины без возврата на склад.
type Finalizer struct {
	sequencer domain.OrderSequencer
	ledger    domain.OrderLedger
	engine    *reservation.Engine
	outbox    domain.EventOutbox
	notifier  Notifier
	logger    *log.Entry
	metrics   *metrics.ShopMetrics
	now       func() time.Time
}

// NewFinalizer создаёт финализатор заказов.
func NewFinalizer(sequencer domain.OrderSequencer, ledger domain.OrderLedger, engine *reservation.Engine, options ...FinalizerOption) *Finalizer {
	opts := FinalizerOptions{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-finalizer")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Finalizer{
		sequencer: sequencer,
		ledger:    ledger,
		engine:    engine,
		outbox:    opts.Outbox,
		notifier:  opts.Notifier,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Finalize создаёт заказ из items. Все позиции снимка должны по-прежнему лежать в корзине,
// иначе ErrCartChanged; номер при этом не расходуется.
// Уведомления отправляются только после успешной записи в журнал.
func (f *Finalizer) Finalize(
	ctx context.Context,
	customer domain.Customer,
	items []domain.LineItem,
	method domain.FulfillmentMethod,
	details domain.OrderDetails,
) (domain.Order, error) {
	start := time.Now()
	if len(items) == 0 {
		return domain.Order{}, domain.ErrCartEmpty
	}

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	if err != nil {
		return domain.Order{}, err
	}
	if _, ok := domain.SubtractItems(cart.Items, items); !ok {
		return domain.Order{}, domain.ErrCartChanged
	}

	number, err := f.sequencer.Next(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("next order number: %w", err)
	}

	order, err := domain.NewOrder(number, customer, items, method, details, f.now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("build order %s: %w", number, err)
	}

	if err := f.ledger.AppendPending(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("append pending order %s: %w", number, err)
	}

	logger := f.logger.WithFields(log.Fields{
		"order_number": order.Number,
		"user_id":      order.UserID,
		"method":       string(order.Method),
	})
	logger.WithField("total", order.Total.StringFixed(2)).Info("order created")

	f.enqueueCreated(ctx, order, logger)

	if f.notifier != nil {
		if err := f.notifier.NotifyCustomer(ctx, order); err != nil {
			logger.WithError(err).Warn("failed to notify customer about order")
		}
		if err := f.notifier.NotifyOperator(ctx, order); err != nil {
			logger.WithError(err).Error("failed to notify operator about order")
		}
	}

	f.commitCart(ctx, order, logger)

	if f.metrics != nil {
		f.metrics.RecordOrderCreated(string(order.Method), time.Since(start))
	}
	return order.Clone(), nil
}

// commitCart убирает из корзины позиции заказа; добавленные во время оформления остаются в ней.
func (f *Finalizer) commitCart(ctx context.Context, order domain.Order, logger *log.Entry) {
	var (
		cleared domain.Cart
		err     error
	)
	for attempt := 1; attempt <= clearCartAttempts; attempt++ {
		cleared, err = f.engine.ClearCart(ctx, order.UserID, false)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("failed to clear cart after order")
	}
	if err != nil {
		logger.WithError(err).Error("cart still holds items committed to the order")
		return
	}

	extra, ok := domain.SubtractItems(cleared.Items, order.Items)
	if !ok || len(extra) == 0 {
		return
	}
	if err := f.engine.Reattach(ctx, order.UserID, extra); err != nil {
		logger.WithError(err).Warn("failed to keep items added during checkout")
	}
}

func (f *Finalizer) enqueueCreated(ctx context.Context, order domain.Order, logger *log.Entry) {
	if f.outbox == nil {
		return
	}
	event, err := domain.NewOrderEvent(domain.EventOrderCreated, order, f.now())
	if err != nil {
		logger.WithError(err).Warn("failed to build order.created event")
		return
	}
	if _, err := f.outbox.Enqueue(ctx, event); err != nil {
		logger.WithError(err).Warn("failed to enqueue order.created event")
		return
	}
	if f.metrics != nil {
		f.metrics.RecordOutboxEvent(string(domain.EventOrderCreated))
	}
}
