package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
)

// EngineOptions задаёт параметры движка резервов.
type EngineOptions struct {
	Logger  *log.Entry
	Metrics *metrics.ShopMetrics
	Now     func() time.Time
}

// EngineOption настраивает Engine.
type EngineOption func(*EngineOptions)

// WithEngineLogger задаёт logger движка.
func WithEngineLogger(logger *log.Entry) EngineOption {
	return func(opts *EngineOptions) {
		opts.Logger = logger
	}
}

// WithEngineMetrics подключает метрики магазина.
func WithEngineMetrics(m *metrics.ShopMetrics) EngineOption {
	return func(opts *EngineOptions) {
		opts.Metrics = m
	}
}

// WithEngineClock подменяет источник времени.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(opts *EngineOptions) {
		opts.Now = now
	}
}

// Engine резервирует товар в момент добавления в корзину.
// Каждая позиция корзины соответствует ровно одному списанию со склада.
type Engine struct {
	inventory domain.InventoryStore
	carts     domain.CartRepository
	logger    *log.Entry
	metrics   *metrics.ShopMetrics
	now       func() time.Time
}

// NewEngine создаёт движок резервов поверх склада и корзин.
func NewEngine(inventory domain.InventoryStore, carts domain.CartRepository, options ...EngineOption) *Engine {
	opts := EngineOptions{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation-engine")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		inventory: inventory,
		carts:     carts,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}
}

// AddItem резервирует единицу варианта и добавляет её в корзину.
// Если корзину сохранить не удалось, резерв снимается обратно.
func (e *Engine) AddItem(ctx context.Context, userID int64, index int, variant domain.Variant) (domain.LineItem, error) {
	res, err := e.inventory.Reserve(ctx, index, variant)
	if err != nil {
		e.recordReservation(reserveResult(err))
		return domain.LineItem{}, fmt.Errorf("reserve item %d (%s): %w", index, variant.Label(), err)
	}
	e.recordReservation(metrics.ReserveOK)

	item := domain.LineItem{
		ItemIndex:  res.ItemIndex,
		Name:       res.Name,
		Variant:    res.Variant,
		Price:      res.Price,
		ReservedAt: e.now(),
	}

	if _, err := e.carts.Append(ctx, userID, item); err != nil {
		fields := log.Fields{"user_id": userID, "item_index": index, "variant": string(variant)}
		if relErr := e.inventory.Release(ctx, index, variant); relErr != nil {
			e.logger.WithError(relErr).WithFields(fields).Error("compensating release failed, stock unit leaked")
			return domain.LineItem{}, fmt.Errorf("append cart item: %w", errors.Join(err, relErr))
		}
		e.recordReleases(1)
		e.logger.WithError(err).WithFields(fields).Warn("cart append failed, reservation released")
		return domain.LineItem{}, fmt.Errorf("append cart item: %w", err)
	}

	e.logger.WithFields(log.Fields{
		"user_id":    userID,
		"item_index": index,
		"variant":    string(variant),
		"remaining":  res.Remaining,
	}).Debug("item reserved")
	return item, nil
}

// GetCart возвращает текущую корзину, не трогая склад.
func (e *Engine) GetCart(ctx context.Context, userID int64) (domain.Cart, error) {
	cart, err := e.carts.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	return cart, nil
}

// ClearCart опустошает корзину и возвращает её прежнее содержимое.
// При restore каждая позиция возвращается на склад уже после очистки корзины:
// сбой возврата может потерять единицу остатка, но никогда не приводит к перепродаже.
func (e *Engine) ClearCart(ctx context.Context, userID int64, restore bool) (domain.Cart, error) {
	prev, err := e.carts.Clear(ctx, userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("clear cart: %w", err)
	}
	if !restore || prev.Empty() {
		return prev, nil
	}
	if err := e.ReleaseItems(ctx, prev.Items); err != nil {
		e.logger.WithError(err).WithField("user_id", userID).Error("cart cleared but stock was not fully restored")
		return prev, err
	}
	return prev, nil
}

// ReleaseIdle возвращает на склад содержимое корзины, если она неактивна с момента before.
// released=false, если корзина пуста или успела обновиться.
func (e *Engine) ReleaseIdle(ctx context.Context, userID int64, before time.Time) (domain.Cart, bool, error) {
	cart, err := e.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, false, err
	}
	if cart.Empty() || !cart.LastActivity().Before(before) {
		return cart, false, nil
	}
	prev, err := e.ClearCart(ctx, userID, true)
	if err != nil {
		return prev, !prev.Empty(), err
	}
	return prev, !prev.Empty(), nil
}

// Reattach возвращает в корзину уже зарезервированные позиции.
// Позицию, которую не удалось сохранить, снимает с резерва.
func (e *Engine) Reattach(ctx context.Context, userID int64, items []domain.LineItem) error {
	var errs []error
	for _, item := range items {
		if _, err := e.carts.Append(ctx, userID, item); err != nil {
			errs = append(errs, fmt.Errorf("reattach item %d (%s): %w", item.ItemIndex, item.Variant.Label(), err))
			if relErr := e.ReleaseItems(ctx, []domain.LineItem{item}); relErr != nil {
				errs = append(errs, relErr)
			}
		}
	}
	return errors.Join(errs...)
}

// ReleaseItems возвращает на склад по одной единице за каждую позицию.
func (e *Engine) ReleaseItems(ctx context.Context, items []domain.LineItem) error {
	var errs []error
	released := 0
	for _, item := range items {
		if err := e.inventory.Release(ctx, item.ItemIndex, item.Variant); err != nil {
			errs = append(errs, fmt.Errorf("release item %d (%s): %w", item.ItemIndex, item.Variant.Label(), err))
			continue
		}
		released++
	}
	e.recordReleases(released)

	if len(errs) > 0 {
		return fmt.Errorf("released %d of %d units: %w", released, len(items), errors.Join(errs...))
	}
	return nil
}

func (e *Engine) recordReservation(result string) {
	if e.metrics != nil {
		e.metrics.RecordReservation(result)
	}
}

func (e *Engine) recordReleases(n int) {
	if e.metrics != nil {
		e.metrics.RecordReleases(n)
	}
}

func reserveResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrOutOfStock):
		return metrics.ReserveOutOfStock
	case errors.Is(err, domain.ErrVariantUnavailable), errors.Is(err, domain.ErrVariantUnknown):
		return metrics.ReserveUnavailable
	case errors.Is(err, domain.ErrItemNotFound):
		return metrics.ReserveNotFound
	default:
		return metrics.ReserveError
	}
}
