package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
	"github.com/frost56k/cm-bot/internal/service/reservation"
)

// WorkflowOptions задаёт параметры автомата оформления.
type WorkflowOptions struct {
	Logger  *log.Entry
	Metrics *metrics.ShopMetrics
	Now     func() time.Time
}

// WorkflowOption настраивает Workflow.
type WorkflowOption func(*WorkflowOptions)

// WithLogger задаёт logger автомата.
func WithLogger(logger *log.Entry) WorkflowOption {
	return func(opts *WorkflowOptions) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики магазина.
func WithMetrics(m *metrics.ShopMetrics) WorkflowOption {
	return func(opts *WorkflowOptions) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) WorkflowOption {
	return func(opts *WorkflowOptions) {
		opts.Now = now
	}
}

// Workflow — автомат оформления заказа, по одной сессии на пользователя.
// Отсутствие сессии означает StateIdle. Сессии живут только в памяти процесса.
type Workflow struct {
	mu        sync.Mutex
	sessions  map[int64]*Session
	engine    *reservation.Engine
	finalizer *Finalizer
	logger    *log.Entry
	metrics   *metrics.ShopMetrics
	now       func() time.Time
}

// NewWorkflow создаёт автомат оформления.
func NewWorkflow(engine *reservation.Engine, finalizer *Finalizer, options ...WorkflowOption) *Workflow {
	opts := WorkflowOptions{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-workflow")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Workflow{
		sessions:  make(map[int64]*Session),
		engine:    engine,
		finalizer: finalizer,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Begin переводит пользователя к выбору способа получения.
// Пустая корзина оставляет его в StateIdle и возвращает ErrCartEmpty.
// Повторный Begin начинает оформление заново.
func (w *Workflow) Begin(ctx context.Context, customer domain.Customer) (Session, error) {
	cart, err := w.engine.GetCart(ctx, customer.UserID)
	if err != nil {
		return Session{}, err
	}
	if cart.Empty() {
		w.finish(customer.UserID, metrics.CheckoutCanceled)
		return Session{State: StateIdle, Customer: customer}, domain.ErrCartEmpty
	}

	total, err := cart.Total()
	if err != nil {
		return Session{}, fmt.Errorf("cart total: %w", err)
	}

	session := Session{
		State:     StateAwaitingMethodChoice,
		Customer:  customer,
		Items:     cart.Snapshot(),
		Total:     total,
		StartedAt: w.now(),
	}
	w.store(customer.UserID, session)

	w.logger.WithFields(log.Fields{
		"user_id": customer.UserID,
		"items":   len(session.Items),
		"total":   total.StringFixed(2),
	}).Debug("checkout started")
	return session.clone(), nil
}

// ChooseMethod фиксирует способ получения и снимок корзины.
func (w *Workflow) ChooseMethod(ctx context.Context, userID int64, method domain.FulfillmentMethod) (Session, error) {
	if !method.Valid() {
		return Session{}, fmt.Errorf("%w: %q", domain.ErrMethodInvalid, method)
	}

	session, ok := w.Session(userID)
	if !ok || session.State != StateAwaitingMethodChoice {
		return session, transitionError(session.State, "choose method")
	}

	cart, err := w.engine.GetCart(ctx, userID)
	if err != nil {
		return session, err
	}
	if cart.Empty() {
		w.finish(userID, metrics.CheckoutCanceled)
		return Session{State: StateIdle, Customer: session.Customer}, domain.ErrCartEmpty
	}
	total, err := cart.Total()
	if err != nil {
		return session, fmt.Errorf("cart total: %w", err)
	}

	session.Items = cart.Snapshot()
	session.Total = total
	session.Method = method
	switch method {
	case domain.FulfillmentPickupCash:
		session.State = StateAwaitingPickupComment
	case domain.FulfillmentMailDispatch:
		session.State = StateAwaitingRecipientName
	}
	w.store(userID, session)
	return session.clone(), nil
}

// Submit обрабатывает текстовый ввод на текущем шаге.
// Некорректный ввод возвращает ErrMalformedInput без смены шага и без побочных эффектов.
func (w *Workflow) Submit(ctx context.Context, userID int64, text string) (Result, error) {
	session, ok := w.Session(userID)
	if !ok || !session.State.AwaitsText() {
		return Result{Session: session}, transitionError(session.State, "submit text")
	}

	switch session.State {
	case StateAwaitingPickupComment:
		session.Details.Comment = domain.NormalizeComment(text)
		return w.complete(ctx, userID, session)

	case StateAwaitingRecipientName:
		name := strings.TrimSpace(text)
		if name == "" {
			return Result{Session: session}, fmt.Errorf("%w: recipient name is empty", domain.ErrMalformedInput)
		}
		session.Details.RecipientName = name
		session.State = StateAwaitingOfficeDetails
		w.store(userID, session)
		return Result{Session: session.clone()}, nil

	case StateAwaitingOfficeDetails:
		address, office, err := ParseOfficeDetails(text)
		if err != nil {
			return Result{Session: session}, err
		}
		session.Details.Address = address
		session.Details.PostOfficeNumber = office
		return w.complete(ctx, userID, session)
	}

	return Result{Session: session}, transitionError(session.State, "submit text")
}

// Cancel возвращает пользователя в StateIdle из любого шага.
// Резервы остаются в корзине.
func (w *Workflow) Cancel(userID int64) bool {
	return w.finish(userID, metrics.CheckoutCanceled)
}

// Active сообщает, что пользователь находится в процессе оформления.
func (w *Workflow) Active(userID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[userID]
	return ok
}

// StartedAt возвращает момент начала текущего оформления.
func (w *Workflow) StartedAt(userID int64) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[userID]
	if !ok {
		return time.Time{}, false
	}
	return s.StartedAt, true
}

// Session возвращает копию текущей сессии; ok=false означает StateIdle.
func (w *Workflow) Session(userID int64) (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[userID]
	if !ok {
		return Session{State: StateIdle}, false
	}
	return s.clone(), true
}

func (w *Workflow) complete(ctx context.Context, userID int64, session Session) (Result, error) {
	order, err := w.finalizer.Finalize(ctx, session.Customer, session.Items, session.Method, session.Details)
	if err != nil {
		// Сбой записи оставляет шаг как есть: повторный ввод повторит попытку.
		if errors.Is(err, domain.ErrCartChanged) || errors.Is(err, domain.ErrCartEmpty) {
			w.finish(userID, metrics.CheckoutFailed)
			return Result{Session: Session{State: StateIdle, Customer: session.Customer}}, err
		}
		w.logger.WithError(err).WithField("user_id", userID).Warn("order finalization failed")
		return Result{Session: session}, err
	}

	w.finish(userID, metrics.CheckoutCompleted)
	return Result{
		Session: Session{State: StateIdle, Customer: session.Customer},
		Order:   &order,
	}, nil
}

func (w *Workflow) store(userID int64, session Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.sessions[userID]; !exists && w.metrics != nil {
		w.metrics.RecordCheckoutStarted()
	}
	s := session.clone()
	w.sessions[userID] = &s
}

func (w *Workflow) finish(userID int64, outcome string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.sessions[userID]; !exists {
		return false
	}
	delete(w.sessions, userID)
	if w.metrics != nil {
		w.metrics.RecordCheckoutFinished(outcome)
	}
	return true
}

func transitionError(state State, action string) error {
	if state == "" {
		state = StateIdle
	}
	return fmt.Errorf("%w: %s in state %s", domain.ErrInvalidTransition, action, state)
}
