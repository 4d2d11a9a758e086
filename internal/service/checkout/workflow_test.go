package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/service/reservation"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

// recordingNotifier запоминает порядок уведомлений и проверяет, что заказ уже записан.
type recordingNotifier struct {
	t      *testing.T
	ledger domain.OrderLedger
	calls  []string
	fail   error
}

func (n *recordingNotifier) NotifyCustomer(ctx context.Context, order domain.Order) error {
	n.requirePersisted(ctx, order)
	n.calls = append(n.calls, "customer:"+order.Number)
	return n.fail
}

func (n *recordingNotifier) NotifyOperator(ctx context.Context, order domain.Order) error {
	n.requirePersisted(ctx, order)
	n.calls = append(n.calls, "operator:"+order.Number)
	return n.fail
}

func (n *recordingNotifier) requirePersisted(ctx context.Context, order domain.Order) {
	_, err := n.ledger.FindPending(ctx, order.Number)
	require.NoError(n.t, err, "notification sent before the order was persisted")
}

// failingLedger отказывает в записи заказа.
type failingLedger struct {
	*memory.OrderLedger
	err error
}

func (l *failingLedger) AppendPending(ctx context.Context, order domain.Order) error {
	if l.err != nil {
		return l.err
	}
	return l.OrderLedger.AppendPending(ctx, order)
}

type fixture struct {
	inv       *memory.Inventory
	carts     *memory.CartRepository
	sequencer *memory.Sequencer
	ledger    *failingLedger
	outbox    *memory.OutboxRepository
	notifier  *recordingNotifier
	engine    *reservation.Engine
	workflow  *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		inv: memory.NewInventory([]domain.CatalogItem{
			{
				Name: "Эфиопия Иргачеф",
				Variants: map[domain.Variant]domain.VariantStock{
					domain.Variant250g:  {Price: "10 руб.", Quantity: 1},
					domain.Variant1000g: {Price: "35 руб.", Quantity: 5},
				},
			},
		}),
		carts:     memory.NewCartRepository(),
		sequencer: memory.NewSequencer(41, nil),
		ledger:    &failingLedger{OrderLedger: memory.NewOrderLedger()},
		outbox:    memory.NewOutboxRepository(),
	}
	f.notifier = &recordingNotifier{t: t, ledger: f.ledger}
	f.engine = reservation.NewEngine(f.inv, f.carts)
	finalizer := NewFinalizer(f.sequencer, f.ledger, f.engine,
		WithOutbox(f.outbox),
		WithNotifier(f.notifier),
	)
	f.workflow = NewWorkflow(f.engine, finalizer)
	return f
}

var customer = domain.Customer{UserID: 1, FullName: "Анна Смирнова", Username: "anna"}

func (f *fixture) add(t *testing.T, v domain.Variant) {
	t.Helper()
	_, err := f.engine.AddItem(context.Background(), customer.UserID, 0, v)
	require.NoError(t, err)
}

func (f *fixture) quantity(t *testing.T, v domain.Variant) int {
	t.Helper()
	stock, err := f.inv.GetVariant(context.Background(), 0, v)
	require.NoError(t, err)
	return stock.Quantity
}

func (f *fixture) counter(t *testing.T) int64 {
	t.Helper()
	n, err := f.sequencer.Current(context.Background())
	require.NoError(t, err)
	return n
}

func TestWorkflow_BeginWithEmptyCartStaysIdle(t *testing.T) {
	f := newFixture(t)

	session, err := f.workflow.Begin(context.Background(), customer)
	require.ErrorIs(t, err, domain.ErrCartEmpty)
	require.Equal(t, StateIdle, session.State)
	require.False(t, f.workflow.Active(customer.UserID))
}

func TestWorkflow_PickupCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)
	require.Equal(t, 0, f.quantity(t, domain.Variant250g))

	session, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingMethodChoice, session.State)
	require.True(t, f.workflow.Active(customer.UserID))

	session, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingPickupComment, session.State)
	require.True(t, session.Total.Equal(decimal.NewFromInt(10)))

	result, err := f.workflow.Submit(ctx, customer.UserID, "НЕТ")
	require.NoError(t, err)
	require.True(t, result.Finalized())
	require.Equal(t, StateIdle, result.Session.State)
	require.False(t, f.workflow.Active(customer.UserID))

	order := *result.Order
	require.Equal(t, "000042", order.Number)
	require.Equal(t, domain.NoCommentText, order.Comment)
	require.Equal(t, "10.00", order.Total.StringFixed(2))
	require.False(t, order.Issued)
	require.Equal(t, "Анна Смирнова", order.FullName)
	require.Equal(t, "anna", order.Username)

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	require.True(t, cart.Empty())
	require.Equal(t, 0, f.quantity(t, domain.Variant250g), "stock is committed to the order")

	pending, err := f.ledger.FindPending(ctx, "000042")
	require.NoError(t, err)
	require.Equal(t, order.Number, pending.Number)

	require.Equal(t, []string{"customer:000042", "operator:000042"}, f.notifier.calls)

	events := f.outbox.All()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventOrderCreated, events[0].Type)
	require.Equal(t, "000042", events[0].Key)
}

func TestWorkflow_MailCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant1000g)
	f.add(t, domain.Variant1000g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	session, err := f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMailDispatch)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingRecipientName, session.State)

	result, err := f.workflow.Submit(ctx, customer.UserID, "  Анна Смирнова ")
	require.NoError(t, err)
	require.False(t, result.Finalized())
	require.Equal(t, StateAwaitingOfficeDetails, result.Session.State)
	require.Equal(t, "Анна Смирнова", result.Session.Details.RecipientName)

	result, err = f.workflow.Submit(ctx, customer.UserID, "ул. Ленина 10, отделение 123, Минск")
	require.NoError(t, err)
	require.True(t, result.Finalized())

	order := *result.Order
	require.Equal(t, domain.FulfillmentMailDispatch, order.Method)
	require.Equal(t, "ул. Ленина 10", order.Address)
	require.Equal(t, "отделение 123, Минск", order.PostOfficeNumber)
	require.Equal(t, "70.00", order.Total.StringFixed(2))
	require.Len(t, order.Items, 2)
	require.Equal(t, 3, f.quantity(t, domain.Variant1000g))
}

func TestWorkflow_MalformedOfficeDetailsHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMailDispatch)
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, customer.UserID, "Анна")
	require.NoError(t, err)

	before := f.counter(t)
	for _, input := range []string{"only-one-field", ", 123", "ул. Ленина 10,  ", ""} {
		result, err := f.workflow.Submit(ctx, customer.UserID, input)
		require.ErrorIs(t, err, domain.ErrMalformedInput, input)
		require.False(t, result.Finalized())
		require.Equal(t, StateAwaitingOfficeDetails, result.Session.State)
	}

	require.Equal(t, before, f.counter(t))
	pending, err := f.ledger.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	session, ok := f.workflow.Session(customer.UserID)
	require.True(t, ok)
	require.Equal(t, StateAwaitingOfficeDetails, session.State)

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Empty(t, f.notifier.calls)
}

func TestWorkflow_EmptyRecipientNameReprompts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMailDispatch)
	require.NoError(t, err)

	result, err := f.workflow.Submit(ctx, customer.UserID, "   ")
	require.ErrorIs(t, err, domain.ErrMalformedInput)
	require.Equal(t, StateAwaitingRecipientName, result.Session.State)
}

func TestWorkflow_CancelFromAnyState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	require.False(t, f.workflow.Cancel(customer.UserID))

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	require.True(t, f.workflow.Cancel(customer.UserID))
	require.False(t, f.workflow.Active(customer.UserID))

	_, err = f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMailDispatch)
	require.NoError(t, err)
	_, err = f.workflow.Submit(ctx, customer.UserID, "Анна")
	require.NoError(t, err)
	require.True(t, f.workflow.Cancel(customer.UserID))

	session, ok := f.workflow.Session(customer.UserID)
	require.False(t, ok)
	require.Equal(t, StateIdle, session.State)

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1, "cancel keeps reservations")
}

func TestWorkflow_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Submit(ctx, customer.UserID, "привет")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.workflow.Begin(ctx, customer)
	require.NoError(t, err)

	_, err = f.workflow.Submit(ctx, customer.UserID, "комментарий")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMethod("courier"))
	require.ErrorIs(t, err, domain.ErrMethodInvalid)

	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentMailDispatch)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestWorkflow_CartClearedDuringCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)

	_, err = f.engine.ClearCart(ctx, customer.UserID, true)
	require.NoError(t, err)

	before := f.counter(t)
	result, err := f.workflow.Submit(ctx, customer.UserID, "после обеда")
	require.ErrorIs(t, err, domain.ErrCartChanged)
	require.False(t, result.Finalized())
	require.Equal(t, StateIdle, result.Session.State)
	require.Equal(t, before, f.counter(t))
	require.Equal(t, 1, f.quantity(t, domain.Variant250g))
}

func TestWorkflow_ItemsAddedDuringCheckoutStayInCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)

	f.add(t, domain.Variant1000g)

	result, err := f.workflow.Submit(ctx, customer.UserID, "нет")
	require.NoError(t, err)
	require.Len(t, result.Order.Items, 1)

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	require.Equal(t, domain.Variant1000g, cart.Items[0].Variant)
	require.Equal(t, 4, f.quantity(t, domain.Variant1000g))
}

func TestWorkflow_LedgerFailureKeepsStepForRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)

	f.ledger.err = domain.PersistenceError("write pending orders", errors.New("disk full"))
	result, err := f.workflow.Submit(ctx, customer.UserID, "нет")
	require.Error(t, err)
	require.True(t, domain.IsRetryable(err))
	require.False(t, result.Finalized())
	require.Equal(t, StateAwaitingPickupComment, result.Session.State)
	require.Empty(t, f.notifier.calls)

	f.ledger.err = nil
	result, err = f.workflow.Submit(ctx, customer.UserID, "нет")
	require.NoError(t, err)
	require.True(t, result.Finalized())
	require.Equal(t, "000043", result.Order.Number, "the failed attempt leaves a gap")
}

func TestWorkflow_NotificationFailureDoesNotUndoOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, domain.Variant250g)
	f.notifier.fail = errors.New("chat unavailable")

	_, err := f.workflow.Begin(ctx, customer)
	require.NoError(t, err)
	_, err = f.workflow.ChooseMethod(ctx, customer.UserID, domain.FulfillmentPickupCash)
	require.NoError(t, err)

	result, err := f.workflow.Submit(ctx, customer.UserID, "позвоните заранее")
	require.NoError(t, err)
	require.Equal(t, "позвоните заранее", result.Order.Comment)

	cart, err := f.engine.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	require.True(t, cart.Empty())
}

func TestParseOfficeDetails(t *testing.T) {
	tests := []struct {
		input   string
		address string
		office  string
		wantErr bool
	}{
		{input: "ул. Ленина 10, отделение 123", address: "ул. Ленина 10", office: "отделение 123"},
		{input: "  Минск , 5 ", address: "Минск", office: "5"},
		{input: "a, b, c", address: "a", office: "b, c"},
		{input: "only-one-field", wantErr: true},
		{input: ",", wantErr: true},
		{input: "адрес,", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			address, office, err := ParseOfficeDetails(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrMalformedInput)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.address, address)
			require.Equal(t, tt.office, office)
		})
	}
}

func TestWorkflow_AbandonedCheckoutReleasedBySweeper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	inv := memory.NewInventory([]domain.CatalogItem{{
		Name: "Колумбия Супремо",
		Variants: map[domain.Variant]domain.VariantStock{
			domain.Variant250g: {Price: "12 руб.", Quantity: 1},
		},
	}})
	engine := reservation.NewEngine(inv, memory.NewCartRepository(memory.WithCartClock(clock)), reservation.WithEngineClock(clock))
	finalizer := NewFinalizer(memory.NewSequencer(0, nil), memory.NewOrderLedger(), engine)
	workflow := NewWorkflow(engine, finalizer, WithClock(clock))
	sweeper := reservation.NewSweeper(engine, 30*time.Minute,
		reservation.WithClock(clock),
		reservation.WithSessions(workflow),
	)

	_, err := engine.AddItem(ctx, customer.UserID, 0, domain.Variant250g)
	require.NoError(t, err)
	_, err = workflow.Begin(ctx, customer)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	released, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
	require.True(t, workflow.Active(customer.UserID))

	now = now.Add(30 * 24 * time.Hour)
	released, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.False(t, workflow.Active(customer.UserID))

	stock, err := inv.GetVariant(ctx, 0, domain.Variant250g)
	require.NoError(t, err)
	require.Equal(t, 1, stock.Quantity)
}
