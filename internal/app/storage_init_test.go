package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	healthcheck "github.com/frost56k/cm-bot/internal/health"
)

const seedCatalogYAML = `
coffee_shop:
  - name: Бразилия Сантос
    quantity_250g: 2
    price_250g: 10 руб.
`

func writeSeedCatalog(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "bot_mind.json")
	require.NoError(t, os.WriteFile(path, []byte(seedCatalogYAML), 0o600))
	return path
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CatalogPath = writeSeedCatalog(t, t.TempDir())

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "memory-storage"))
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.closeFn()) }()

	require.NotNil(t, deps.carts)
	require.NotNil(t, deps.ledger)
	require.NotNil(t, deps.outbox)
	require.NotNil(t, deps.conversations)
	require.NotNil(t, deps.registry, "memory mode keeps event keys in process")
	require.Nil(t, deps.flusher)

	item, err := deps.inventory.Item(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "Бразилия Сантос", item.Name)

	prompt, err := deps.prompt(context.Background())
	require.NoError(t, err)
	require.Contains(t, prompt, "Бразилия Сантос")
}

func TestInitRuntimeDependencies_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSeedCatalog(t, dir)
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverFile
	cfg.DataDir = dir

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "file-storage"))
	require.NoError(t, err)

	require.NotNil(t, deps.flusher)
	require.Contains(t, deps.checkers, "data_dir")
	require.Equal(t, healthcheck.StatusHealthy, deps.checkers["data_dir"].Check(context.Background()).Status)

	ctx := context.Background()
	_, err = deps.inventory.Reserve(ctx, 0, domain.Variant250g)
	require.NoError(t, err)
	number, err := deps.sequencer.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "000001", number)
	require.NoError(t, deps.closeFn())

	// состояние пережило перезапуск
	reopened, err := initRuntimeDependencies(ctx, cfg, log.WithField("test", "file-storage"))
	require.NoError(t, err)
	defer func() { _ = reopened.closeFn() }()

	stock, err := reopened.inventory.GetVariant(ctx, 0, domain.Variant250g)
	require.NoError(t, err)
	require.Equal(t, 1, stock.Quantity)
	next, err := reopened.sequencer.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "000002", next)
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	require.Error(t, err)
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestInitRuntimeDependencies_RedisUnavailable(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "redis-down"))
	require.ErrorContains(t, err, "ping redis")
}

func TestInitRuntimeDependencies_MissingSeedIsEmptyCatalog(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CatalogPath = filepath.Join(t.TempDir(), "none.json")

	deps, err := initRuntimeDependencies(context.Background(), cfg, nil)
	require.NoError(t, err)
	items, err := deps.inventory.Catalog(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}
