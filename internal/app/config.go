package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/frost56k/cm-bot/internal/bot"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverFile     = "file"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска бота.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	StorageDriver       string        `yaml:"storage_driver"`
	DataDir             string        `yaml:"data_dir"`
	CatalogPath         string        `yaml:"catalog_path"`
	PostgresDSN         string        `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool          `yaml:"postgres_auto_migrate"`
	RedisAddr           string        `yaml:"redis_addr"`
	RedisPrefix         string        `yaml:"redis_prefix"`
	FlushInterval       time.Duration `yaml:"flush_interval"`

	OperatorID    int64  `yaml:"operator_id"`
	PickupAddress string `yaml:"pickup_address"`

	// ReservationTTL — через сколько неактивности корзина освобождается. 0 выключает освобождение.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	KafkaBrokers       string        `yaml:"kafka_brokers"`
	KafkaTopic         string        `yaml:"kafka_topic"`
	KafkaDLQTopic      string        `yaml:"kafka_dlq_topic"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`

	EventDedupeTTL             time.Duration `yaml:"event_dedupe_ttl"`
	EventDedupeCleanupInterval time.Duration `yaml:"event_dedupe_cleanup_interval"`
	OutboundBuffer             int           `yaml:"outbound_buffer"`

	AssistantAPIKey  string `yaml:"assistant_api_key"`
	AssistantBaseURL string `yaml:"assistant_base_url"`
	AssistantModel   string `yaml:"assistant_model"`
	AssistantPrompt  string `yaml:"assistant_prompt"`
}

// DefaultConfig возвращает настройки для локального запуска в памяти.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                   ":50051",
		MetricsAddr:                ":9090",
		StorageDriver:              StorageDriverMemory,
		DataDir:                    "data",
		PostgresAutoMigrate:        true,
		RedisPrefix:                "cmbot",
		FlushInterval:              30 * time.Second,
		PickupAddress:              bot.DefaultPickupAddress,
		SweepInterval:              time.Minute,
		OutboxPollInterval:         time.Second,
		OutboxBatchSize:            100,
		OutboxMaxAttempts:          5,
		OutboxRetryDelay:           500 * time.Millisecond,
		EventDedupeTTL:             10 * time.Minute,
		EventDedupeCleanupInterval: time.Minute,
		OutboundBuffer:             256,
	}
}

// LoadConfigFile накладывает YAML-файл на DefaultConfig. Неизвестные ключи считаются ошибкой.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverFile:
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("data_dir is required for file storage"))
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	durations := map[string]time.Duration{
		"flush_interval":                c.FlushInterval,
		"reservation_ttl":               c.ReservationTTL,
		"sweep_interval":                c.SweepInterval,
		"outbox_poll_interval":          c.OutboxPollInterval,
		"outbox_retry_delay":            c.OutboxRetryDelay,
		"event_dedupe_ttl":              c.EventDedupeTTL,
		"event_dedupe_cleanup_interval": c.EventDedupeCleanupInterval,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}
	if c.OutboxBatchSize < 0 || c.OutboxMaxAttempts < 0 || c.OutboundBuffer < 0 {
		errs = append(errs, errors.New("outbox and buffer sizes must be >= 0"))
	}
	if c.OperatorID < 0 {
		errs = append(errs, errors.New("operator_id must be >= 0"))
	}
	return errors.Join(errs...)
}

// Brokers разбирает список брокеров Kafka.
func (c Config) Brokers() []string {
	var out []string
	for _, part := range strings.Split(c.KafkaBrokers, ",") {
		if b := strings.TrimSpace(part); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
