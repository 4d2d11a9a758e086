package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/service/checkout"
	"github.com/frost56k/cm-bot/internal/service/fulfillment"
	"github.com/frost56k/cm-bot/internal/service/reservation"
)

const (
	resultOK        = "ok"
	resultUserError = "user_error"
	resultError     = "error"
	resultPanic     = "panic"
)

var (
	botEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmbot_bot_events_total",
		Help: "Total number of inbound chat events grouped by kind and result.",
	}, []string{"kind", "result"})
	botPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmbot_bot_panics_total",
		Help: "Total number of recovered panics in chat event handlers.",
	})
)

// ErrInvalidEvent — событие без пользователя или неизвестного вида.
var ErrInvalidEvent = errors.New("invalid chat event")

// Assistant отвечает на свободный текст, не связанный с оформлением заказа.
type Assistant interface {
	Reply(ctx context.Context, userID int64, text string) (string, error)
}

// DispatcherOptions задаёт необязательные зависимости диспетчера.
type DispatcherOptions struct {
	Logger        *log.Entry
	Assistant     Assistant
	Conversations domain.ConversationStore
	Locks         *UserLocks
	OperatorID    int64
}

// DispatcherOption настраивает Dispatcher.
type DispatcherOption func(*DispatcherOptions)

// WithLogger задаёт logger диспетчера.
func WithLogger(logger *log.Entry) DispatcherOption {
	return func(opts *DispatcherOptions) {
		opts.Logger = logger
	}
}

// WithAssistant включает ответы ассистента на свободный текст.
func WithAssistant(a Assistant) DispatcherOption {
	return func(opts *DispatcherOptions) {
		opts.Assistant = a
	}
}

// WithConversations сохраняет сведения о пользователях при первом обращении.
func WithConversations(store domain.ConversationStore) DispatcherOption {
	return func(opts *DispatcherOptions) {
		opts.Conversations = store
	}
}

// WithLocks задаёт общие с воркерами блокировки пользователей.
func WithLocks(locks *UserLocks) DispatcherOption {
	return func(opts *DispatcherOptions) {
		opts.Locks = locks
	}
}

// WithOperator задаёт id оператора, которому доступны действия выдачи.
func WithOperator(id int64) DispatcherOption {
	return func(opts *DispatcherOptions) {
		opts.OperatorID = id
	}
}

// Dispatcher маршрутизирует события транспорта в сервисы магазина.
type Dispatcher struct {
	inventory     domain.InventoryStore
	engine        *reservation.Engine
	workflow      *checkout.Workflow
	fulfillment   *fulfillment.Controller
	messenger     Messenger
	assistant     Assistant
	conversations domain.ConversationStore
	locks         *UserLocks
	operatorID    int64
	logger        *log.Entry
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(
	inventory domain.InventoryStore,
	engine *reservation.Engine,
	workflow *checkout.Workflow,
	controller *fulfillment.Controller,
	messenger Messenger,
	options ...DispatcherOption,
) *Dispatcher {
	var opts DispatcherOptions
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "bot-dispatcher")
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewUserLocks()
	}

	return &Dispatcher{
		inventory:     inventory,
		engine:        engine,
		workflow:      workflow,
		fulfillment:   controller,
		messenger:     messenger,
		assistant:     opts.Assistant,
		conversations: opts.Conversations,
		locks:         locks,
		operatorID:    opts.OperatorID,
		logger:        logger,
	}
}

// Locks возвращает блокировки пользователей для воркеров.
func (d *Dispatcher) Locks() *UserLocks {
	return d.locks
}

// Handle обрабатывает одно событие. События одного пользователя выполняются строго по очереди.
// Ошибки обработки превращаются в ответ пользователю. Наружу возвращаются ErrInvalidEvent
// и ошибки записи (domain.IsRetryable): такое событие можно доставить повторно.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) (err error) {
	if ev.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	switch ev.Kind {
	case EventCommand, EventText, EventButton:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}

	unlock := d.locks.Lock(ev.UserID)
	defer unlock()

	logger := d.logger.WithFields(log.Fields{
		"user_id": ev.UserID,
		"kind":    string(ev.Kind),
	})

	defer func() {
		if r := recover(); r != nil {
			botPanicsTotal.Inc()
			botEventsTotal.WithLabelValues(string(ev.Kind), resultPanic).Inc()
			logger.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("chat event handler panicked")
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textGenericError})
			err = nil
		}
	}()

	var handleErr error
	switch ev.Kind {
	case EventCommand:
		handleErr = d.handleCommand(ctx, ev, logger)
	case EventText:
		handleErr = d.handleText(ctx, ev, logger)
	case EventButton:
		handleErr = d.handleButton(ctx, ev, logger)
	}

	switch {
	case handleErr == nil:
		botEventsTotal.WithLabelValues(string(ev.Kind), resultOK).Inc()
	case domain.IsUserFacing(handleErr):
		botEventsTotal.WithLabelValues(string(ev.Kind), resultUserError).Inc()
		logger.WithError(handleErr).Debug("chat event rejected")
	default:
		botEventsTotal.WithLabelValues(string(ev.Kind), resultError).Inc()
		logger.WithError(handleErr).Error("chat event failed")
		if domain.IsRetryable(handleErr) {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textRetryLater})
			return handleErr
		}
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textGenericError})
	}
	return nil
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev Event, logger *log.Entry) error {
	switch ev.Command() {
	case "start":
		d.rememberUser(ctx, ev, logger)
		name := ev.FullName()
		if name == "" {
			name = ev.Username
		}
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: welcomeText(name)})
		return nil
	case "coffeeshop", "catalog":
		return d.showCatalog(ctx, ev, logger)
	case "cart":
		return d.showCart(ctx, ev, logger)
	case "cancel":
		return d.cancelCheckout(ctx, ev, logger)
	case "orders":
		if !d.isOperator(ev.UserID) {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textOperatorOnly})
			return nil
		}
		orders, err := d.fulfillment.ListPending(ctx)
		if err != nil {
			return err
		}
		d.reply(ctx, logger, pendingMessage(ev.Chat(), orders))
		return nil
	default:
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: "Неизвестная команда. Используйте /coffeeshop или /cart."})
		return nil
	}
}

// handleText отдаёт текст оформлению заказа, пока у пользователя есть активная сессия,
// и только иначе ассистенту.
func (d *Dispatcher) handleText(ctx context.Context, ev Event, logger *log.Entry) error {
	if d.workflow.Active(ev.UserID) {
		return d.submitCheckout(ctx, ev, logger)
	}

	d.rememberUser(ctx, ev, logger)
	if d.assistant == nil {
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: "Используйте /coffeeshop, чтобы посмотреть каталог кофе."})
		return nil
	}
	answer, err := d.assistant.Reply(ctx, ev.UserID, ev.Text)
	if err != nil {
		logger.WithError(err).Warn("assistant reply failed")
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textGenericError})
		return nil
	}
	d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: answer})
	return nil
}

func (d *Dispatcher) submitCheckout(ctx context.Context, ev Event, logger *log.Entry) error {
	result, err := d.workflow.Submit(ctx, ev.UserID, ev.Text)
	switch {
	case err == nil:
		if result.Finalized() {
			logger.WithField("order_number", result.Order.Number).Info("checkout completed")
			return nil
		}
		if result.Session.State == checkout.StateAwaitingOfficeDetails {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textOfficeDetails})
		}
		return nil

	case errors.Is(err, domain.ErrMalformedInput):
		prompt := textOfficeInvalid
		if result.Session.State == checkout.StateAwaitingRecipientName {
			prompt = textRecipientName
		}
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: prompt, Keyboard: [][]Button{Row(cancelCheckoutButton())}})
		return err

	case errors.Is(err, domain.ErrInvalidTransition):
		// Ждём выбора способа получения кнопкой.
		session, _ := d.workflow.Session(ev.UserID)
		d.reply(ctx, logger, checkoutMessage(ev.Chat(), session.Items, session.Total))
		return nil

	case errors.Is(err, domain.ErrCartChanged):
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textCartChanged, Keyboard: [][]Button{Row(backToCartButton())}})
		return err

	case errors.Is(err, domain.ErrCartEmpty):
		d.reply(ctx, logger, emptyCartMessage(ev.Chat()))
		return err
	}
	return err
}

func (d *Dispatcher) handleButton(ctx context.Context, ev Event, logger *log.Entry) error {
	cb, err := ParseCallback(ev.Text)
	if err != nil {
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textUnknownButton})
		return err
	}
	if cb.Action.OperatorOnly() && !d.isOperator(ev.UserID) {
		logger.WithField("action", string(cb.Action)).Warn("operator action rejected")
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textOperatorOnly})
		return nil
	}

	switch cb.Action {
	case ActionCatalog:
		return d.showCatalog(ctx, ev, logger)
	case ActionItem:
		return d.showItem(ctx, ev, cb.ItemIndex, logger)
	case ActionAddToCart:
		return d.addToCart(ctx, ev, cb, logger)
	case ActionViewCart:
		return d.showCart(ctx, ev, logger)
	case ActionClearCart:
		return d.clearCart(ctx, ev, logger)
	case ActionCheckout:
		return d.beginCheckout(ctx, ev, logger)
	case ActionPickup:
		return d.chooseMethod(ctx, ev, domain.FulfillmentPickupCash, logger)
	case ActionMail:
		return d.chooseMethod(ctx, ev, domain.FulfillmentMailDispatch, logger)
	case ActionCancelCheckout:
		return d.cancelCheckout(ctx, ev, logger)
	case ActionIssueOrder:
		return d.requestIssue(ctx, ev, cb.OrderNumber, logger)
	case ActionConfirmIssue:
		return d.confirmIssue(ctx, ev, cb.OrderNumber, logger)
	case ActionCancelIssue:
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textIssueCanceled})
		return nil
	}
	return malformed(ev.Text)
}

func (d *Dispatcher) showCatalog(ctx context.Context, ev Event, logger *log.Entry) error {
	items, err := d.inventory.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	d.reply(ctx, logger, catalogMessage(ev.Chat(), items))
	return nil
}

func (d *Dispatcher) showItem(ctx context.Context, ev Event, index int, logger *log.Entry) error {
	item, err := d.inventory.Item(ctx, index)
	if err != nil {
		if domain.IsNotFound(err) {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textItemNotFound})
		}
		return err
	}
	d.reply(ctx, logger, itemMessage(ev.Chat(), item))
	return nil
}

func (d *Dispatcher) addToCart(ctx context.Context, ev Event, cb Callback, logger *log.Entry) error {
	line, err := d.engine.AddItem(ctx, ev.UserID, cb.ItemIndex, cb.Variant)
	switch {
	case err == nil:
		d.reply(ctx, logger, addedMessage(ev.Chat(), line))
		return nil
	case errors.Is(err, domain.ErrItemNotFound):
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textItemNotFound})
	case errors.Is(err, domain.ErrVariantUnavailable):
		d.reply(ctx, logger, notSoldMessage(ev.Chat(), cb.ItemIndex))
	case errors.Is(err, domain.ErrOutOfStock):
		d.reply(ctx, logger, Message{
			ChatID:   ev.Chat(),
			Text:     textOutOfStock,
			Keyboard: [][]Button{Row(Button{Text: "Назад к кофе", Data: ItemCallback(cb.ItemIndex)})},
		})
	}
	return err
}

func (d *Dispatcher) showCart(ctx context.Context, ev Event, logger *log.Entry) error {
	cart, err := d.engine.GetCart(ctx, ev.UserID)
	if err != nil {
		return err
	}
	total, err := cart.Total()
	if err != nil {
		return fmt.Errorf("cart total: %w", err)
	}
	d.reply(ctx, logger, cartMessage(ev.Chat(), cart, total))
	return nil
}

func (d *Dispatcher) clearCart(ctx context.Context, ev Event, logger *log.Entry) error {
	// Снимок сессии после очистки всё равно недействителен.
	d.workflow.Cancel(ev.UserID)

	released, err := d.engine.ClearCart(ctx, ev.UserID, true)
	if err != nil {
		return err
	}
	if released.Empty() {
		d.reply(ctx, logger, emptyCartMessage(ev.Chat()))
		return nil
	}
	d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textCartCleared, Keyboard: [][]Button{Row(backToCatalogButton())}})
	return nil
}

func (d *Dispatcher) beginCheckout(ctx context.Context, ev Event, logger *log.Entry) error {
	session, err := d.workflow.Begin(ctx, ev.Customer())
	if err != nil {
		if errors.Is(err, domain.ErrCartEmpty) {
			d.reply(ctx, logger, emptyCartMessage(ev.Chat()))
		}
		return err
	}
	d.reply(ctx, logger, checkoutMessage(ev.Chat(), session.Items, session.Total))
	return nil
}

func (d *Dispatcher) chooseMethod(ctx context.Context, ev Event, method domain.FulfillmentMethod, logger *log.Entry) error {
	session, err := d.workflow.ChooseMethod(ctx, ev.UserID, method)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textNoCheckout})
		return nil
	case errors.Is(err, domain.ErrCartEmpty):
		d.reply(ctx, logger, emptyCartMessage(ev.Chat()))
		return err
	default:
		return err
	}

	if method == domain.FulfillmentPickupCash {
		d.reply(ctx, logger, pickupPromptMessage(ev.Chat(), session.Items, session.Total))
		return nil
	}
	d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: textRecipientName, Keyboard: [][]Button{Row(cancelCheckoutButton())}})
	return nil
}

func (d *Dispatcher) cancelCheckout(ctx context.Context, ev Event, logger *log.Entry) error {
	text := textNoCheckout
	if d.workflow.Cancel(ev.UserID) {
		text = textCheckoutCancel
	}
	d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: text, Keyboard: [][]Button{Row(backToCartButton())}})
	return nil
}

func (d *Dispatcher) requestIssue(ctx context.Context, ev Event, number string, logger *log.Entry) error {
	if _, err := d.fulfillment.Pending(ctx, number); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: issueNotFoundText(number)})
		}
		return err
	}
	d.reply(ctx, logger, issueConfirmMessage(ev.Chat(), number))
	return nil
}

func (d *Dispatcher) confirmIssue(ctx context.Context, ev Event, number string, logger *log.Entry) error {
	if _, err := d.fulfillment.Issue(ctx, number); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: issueNotFoundText(number)})
		}
		return err
	}
	d.reply(ctx, logger, Message{ChatID: ev.Chat(), Text: issuedText(number)})
	return nil
}

func (d *Dispatcher) isOperator(userID int64) bool {
	return d.operatorID != 0 && userID == d.operatorID
}

// rememberUser сохраняет сведения о пользователе только при первом обращении.
func (d *Dispatcher) rememberUser(ctx context.Context, ev Event, logger *log.Entry) {
	if d.conversations == nil {
		return
	}
	if _, ok, err := d.conversations.UserInfo(ctx, ev.UserID); err != nil || ok {
		if err != nil {
			logger.WithError(err).Warn("failed to load user info")
		}
		return
	}
	info := domain.UserInfo{
		Username:  ev.Username,
		FirstName: strings.TrimSpace(ev.FirstName),
		LastName:  strings.TrimSpace(ev.LastName),
	}
	if err := d.conversations.SaveUserInfo(ctx, ev.UserID, info); err != nil {
		logger.WithError(err).Warn("failed to save user info")
	}
}

// reply не прерывает обработку при сбое доставки: событие уже применено.
func (d *Dispatcher) reply(ctx context.Context, logger *log.Entry, msg Message) {
	if err := d.messenger.Send(ctx, msg); err != nil {
		logger.WithError(err).WithField("chat_id", msg.ChatID).Warn("failed to send message")
	}
}
