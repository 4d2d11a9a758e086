package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/assistant"
	"github.com/frost56k/cm-bot/internal/domain"
	healthcheck "github.com/frost56k/cm-bot/internal/health"
	"github.com/frost56k/cm-bot/internal/service/idempotency"
	"github.com/frost56k/cm-bot/internal/storage/file"
	"github.com/frost56k/cm-bot/internal/storage/memory"
	"github.com/frost56k/cm-bot/internal/storage/postgres"
	redisstore "github.com/frost56k/cm-bot/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	inventory     domain.InventoryStore
	sequencer     domain.OrderSequencer
	carts         domain.CartRepository
	ledger        domain.OrderLedger
	outbox        domain.EventOutbox
	conversations domain.ConversationStore

	deduper idempotency.Deduper
	// registry не nil, когда ключи событий живут в памяти и их чистит воркер.
	registry *idempotency.Registry
	flusher  domain.Flusher
	prompt   assistant.PromptSource

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища выбранного драйвера и при необходимости Redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &runtimeDependencies{
		checkers: make(map[string]healthcheck.Checker),
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case StorageDriverMemory, "":
		err = deps.initMemory(cfg)
	case StorageDriverFile:
		err = deps.initFile(cfg, logger)
	case StorageDriverPostgres:
		err = deps.initPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		_ = deps.closeFn()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		if err := deps.initRedis(ctx, cfg, logger); err != nil {
			_ = deps.closeFn()
			return nil, err
		}
	}

	if deps.deduper == nil {
		deps.registry = idempotency.NewRegistry()
		deps.deduper = deps.registry
	}
	if deps.prompt == nil {
		deps.prompt = assistant.CatalogPrompt(deps.inventory, cfg.AssistantPrompt)
	}
	return deps, nil
}

func (d *runtimeDependencies) initMemory(cfg Config) error {
	items, err := seedCatalog(cfg)
	if err != nil {
		return err
	}
	d.inventory = memory.NewInventory(items)
	d.sequencer = memory.NewSequencer(0, nil)
	d.carts = memory.NewCartRepository()
	d.ledger = memory.NewOrderLedger()
	d.outbox = memory.NewOutboxRepository()
	d.conversations = memory.NewConversationStore(nil)
	return nil
}

func (d *runtimeDependencies) initFile(cfg Config, logger *log.Entry) error {
	store, err := file.Open(cfg.DataDir, file.Options{
		CatalogPath: cfg.CatalogPath,
		Logger:      logger.WithField("storage", StorageDriverFile),
	})
	if err != nil {
		return fmt.Errorf("open file storage: %w", err)
	}
	d.inventory = store.Inventory()
	d.sequencer = store.Sequencer()
	d.carts = store.Carts()
	d.ledger = store.Ledger()
	d.conversations = store.Conversations()
	d.outbox = memory.NewOutboxRepository()
	d.flusher = store
	d.prompt = store.Knowledge
	d.checkers["data_dir"] = healthcheck.NewDirChecker("data_dir", cfg.DataDir)
	d.closers = append(d.closers, func() error {
		return store.Flush(context.Background())
	})
	return nil
}

func (d *runtimeDependencies) initPostgres(ctx context.Context, cfg Config, logger *log.Entry) error {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return errors.New("postgres dsn is required for postgres storage")
	}
	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	d.closers = append(d.closers, store.Close)

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	inventory := postgres.NewInventory(store)
	items, err := seedCatalog(cfg)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		seeded, err := inventory.Seed(ctx, items)
		if err != nil {
			return fmt.Errorf("seed postgres inventory: %w", err)
		}
		logger.WithField("seeded", seeded).Info("postgres inventory ready")
	}

	d.inventory = inventory
	d.sequencer = postgres.NewSequencer(store)
	d.carts = postgres.NewCartRepository(store)
	d.ledger = postgres.NewOrderLedger(store)
	d.outbox = postgres.NewOutboxRepository(store)
	d.conversations = memory.NewConversationStore(nil)
	d.checkers["postgres"] = healthcheck.NewPingChecker("postgres", store.DB())
	return nil
}

// initRedis переносит склад и счётчик заказов в Redis. Нумерация продолжается с текущего значения основного хранилища.
func (d *runtimeDependencies) initRedis(ctx context.Context, cfg Config, logger *log.Entry) error {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	d.closers = append(d.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	catalog, err := d.inventory.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("read catalog for redis seed: %w", err)
	}
	inventory := redisstore.NewInventory(client, cfg.RedisPrefix)
	seeded, err := inventory.Seed(ctx, catalog)
	if err != nil {
		return fmt.Errorf("seed redis inventory: %w", err)
	}

	last, err := d.sequencer.Current(ctx)
	if err != nil {
		return fmt.Errorf("read order sequence: %w", err)
	}
	sequencer := redisstore.NewSequencer(client, cfg.RedisPrefix)
	if err := sequencer.Advance(ctx, last); err != nil {
		return err
	}

	d.inventory = inventory
	d.sequencer = sequencer
	d.deduper = redisstore.NewDeduper(client, cfg.RedisPrefix)
	d.checkers["redis"] = healthcheck.NewFuncChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.WithFields(log.Fields{
		"addr":   cfg.RedisAddr,
		"seeded": seeded,
	}).Info("inventory and order sequence moved to redis")
	return nil
}

// seedCatalog читает каталог для драйверов без собственного документа каталога.
func seedCatalog(cfg Config) ([]domain.CatalogItem, error) {
	if strings.TrimSpace(cfg.CatalogPath) == "" {
		return nil, nil
	}
	items, err := file.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog seed: %w", err)
	}
	return items, nil
}
