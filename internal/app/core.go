package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/assistant"
	"github.com/frost56k/cm-bot/internal/bot"
	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
	"github.com/frost56k/cm-bot/internal/service/checkout"
	"github.com/frost56k/cm-bot/internal/service/fulfillment"
	"github.com/frost56k/cm-bot/internal/service/reservation"
)

// core — ядро бота, собранное поверх хранилищ. Не владеет сетевыми серверами.
type core struct {
	engine     *reservation.Engine
	workflow   *checkout.Workflow
	controller *fulfillment.Controller
	sweeper    *reservation.Sweeper
	dispatcher *bot.Dispatcher
	notifier   *bot.Notifier
}

func newCore(cfg Config, deps *runtimeDependencies, messenger bot.Messenger, shop *metrics.ShopMetrics, logger *log.Entry) *core {
	engine := reservation.NewEngine(deps.inventory, deps.carts,
		reservation.WithEngineLogger(logger.WithField("layer", "reservation")),
		reservation.WithEngineMetrics(shop),
	)
	notifier := bot.NewNotifier(messenger, cfg.OperatorID, cfg.PickupAddress)
	finalizer := checkout.NewFinalizer(deps.sequencer, deps.ledger, engine,
		checkout.WithFinalizerLogger(logger.WithField("layer", "finalizer")),
		checkout.WithOutbox(deps.outbox),
		checkout.WithNotifier(notifier),
		checkout.WithFinalizerMetrics(shop),
	)
	workflow := checkout.NewWorkflow(engine, finalizer,
		checkout.WithLogger(logger.WithField("layer", "checkout")),
		checkout.WithMetrics(shop),
	)
	controller := fulfillment.NewController(deps.ledger,
		fulfillment.WithLogger(logger.WithField("layer", "fulfillment")),
		fulfillment.WithOutbox(deps.outbox),
		fulfillment.WithMetrics(shop),
	)

	locks := bot.NewUserLocks()
	options := []bot.DispatcherOption{
		bot.WithLogger(logger.WithField("layer", "dispatcher")),
		bot.WithConversations(deps.conversations),
		bot.WithLocks(locks),
		bot.WithOperator(cfg.OperatorID),
	}
	if replier := newAssistant(cfg, deps, logger); replier != nil {
		options = append(options, bot.WithAssistant(replier))
	}
	dispatcher := bot.NewDispatcher(deps.inventory, engine, workflow, controller, messenger, options...)

	expiryLogger := logger.WithField("layer", "reservation-sweeper")
	sweeper := reservation.NewSweeper(engine, cfg.ReservationTTL,
		reservation.WithLogger(expiryLogger),
		reservation.WithInterval(cfg.SweepInterval),
		reservation.WithSessions(workflow),
		reservation.WithLocker(locks),
		reservation.WithOutbox(deps.outbox),
		reservation.WithMetrics(shop),
		reservation.WithNotifier(func(ctx context.Context, userID int64, released domain.Cart) {
			if err := notifier.NotifyExpired(ctx, userID, released); err != nil {
				expiryLogger.WithError(err).WithField("user_id", userID).Warn("failed to notify about expired cart")
			}
		}),
	)

	return &core{
		engine:     engine,
		workflow:   workflow,
		controller: controller,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

// newAssistant возвращает nil, если ключ модели не задан.
func newAssistant(cfg Config, deps *runtimeDependencies, logger *log.Entry) bot.Assistant {
	if cfg.AssistantAPIKey == "" {
		logger.Info("assistant api key is not set, free-text replies are disabled")
		return nil
	}
	clientOpts := []assistant.ClientOption{
		assistant.WithClientLogger(logger.WithField("layer", "assistant-client")),
	}
	if cfg.AssistantBaseURL != "" {
		clientOpts = append(clientOpts, assistant.WithBaseURL(cfg.AssistantBaseURL))
	}
	if cfg.AssistantModel != "" {
		clientOpts = append(clientOpts, assistant.WithModel(cfg.AssistantModel))
	}
	client := assistant.NewClient(cfg.AssistantAPIKey, clientOpts...)
	return assistant.NewService(client, deps.conversations, deps.prompt,
		assistant.WithLogger(logger.WithField("layer", "assistant")),
	)
}
