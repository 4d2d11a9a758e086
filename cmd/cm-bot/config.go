package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frost56k/cm-bot/internal/app"
)

// envLookup совместим с os.LookupEnv.
type envLookup func(string) (string, bool)

const (
	envConfigPath = "CMBOT_CONFIG"

	envGRPCAddr         = "CMBOT_GRPC_ADDR"
	envMetricsAddr      = "CMBOT_METRICS_ADDR"
	envStorageDriver    = "CMBOT_STORAGE_DRIVER"
	envDataDir          = "CMBOT_DATA_DIR"
	envCatalogPath      = "CMBOT_CATALOG_PATH"
	envPostgresDSN      = "CMBOT_POSTGRES_DSN"
	envPostgresMigrate  = "CMBOT_POSTGRES_AUTO_MIGRATE"
	envRedisAddr        = "CMBOT_REDIS_ADDR"
	envRedisPrefix      = "CMBOT_REDIS_PREFIX"
	envFlushInterval    = "CMBOT_FLUSH_INTERVAL"
	envOperatorID       = "CMBOT_OPERATOR_ID"
	envPickupAddress    = "CMBOT_PICKUP_ADDRESS"
	envReservationTTL   = "CMBOT_RESERVATION_TTL"
	envSweepInterval    = "CMBOT_SWEEP_INTERVAL"
	envKafkaBrokers     = "CMBOT_KAFKA_BROKERS"
	envKafkaTopic       = "CMBOT_KAFKA_TOPIC"
	envKafkaDLQTopic    = "CMBOT_KAFKA_DLQ_TOPIC"
	envOutboxPoll       = "CMBOT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize  = "CMBOT_OUTBOX_BATCH_SIZE"
	envOutboxAttempts   = "CMBOT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay = "CMBOT_OUTBOX_RETRY_DELAY"
	envDedupeTTL        = "CMBOT_EVENT_DEDUPE_TTL"
	envOutboundBuffer   = "CMBOT_OUTBOUND_BUFFER"
	envAssistantKey     = "CMBOT_ASSISTANT_API_KEY"
	envAssistantURL     = "CMBOT_ASSISTANT_BASE_URL"
	envAssistantModel   = "CMBOT_ASSISTANT_MODEL"
)

// loadConfig читает YAML из CMBOT_CONFIG (если задан) и накладывает переменные окружения.
func loadConfig(lookup envLookup) (app.Config, []string, error) {
	base := app.DefaultConfig()
	if path, ok := lookup(envConfigPath); ok && strings.TrimSpace(path) != "" {
		cfg, err := app.LoadConfigFile(strings.TrimSpace(path))
		if err != nil {
			return cfg, nil, err
		}
		base = cfg
	}
	cfg, warnings := applyEnv(base, lookup)
	return cfg, warnings, nil
}

// readConfigFromEnv накладывает окружение на настройки по умолчанию.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	return applyEnv(app.DefaultConfig(), lookup)
}

// applyEnv переопределяет поля cfg. Некорректные значения пропускаются с предупреждением.
func applyEnv(cfg app.Config, lookup envLookup) (app.Config, []string) {
	var warnings []string
	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("ignoring %s=%q: %v", key, raw, err))
	}

	texts := map[string]*string{
		envGRPCAddr:       &cfg.GRPCAddr,
		envMetricsAddr:    &cfg.MetricsAddr,
		envDataDir:        &cfg.DataDir,
		envCatalogPath:    &cfg.CatalogPath,
		envPostgresDSN:    &cfg.PostgresDSN,
		envRedisAddr:      &cfg.RedisAddr,
		envRedisPrefix:    &cfg.RedisPrefix,
		envPickupAddress:  &cfg.PickupAddress,
		envKafkaBrokers:   &cfg.KafkaBrokers,
		envKafkaTopic:     &cfg.KafkaTopic,
		envKafkaDLQTopic:  &cfg.KafkaDLQTopic,
		envAssistantKey:   &cfg.AssistantAPIKey,
		envAssistantURL:   &cfg.AssistantBaseURL,
		envAssistantModel: &cfg.AssistantModel,
	}
	for key, dst := range texts {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}

	if raw, ok := lookup(envPostgresMigrate); ok {
		if v, err := parseBool(raw); err != nil {
			warn(envPostgresMigrate, raw, err)
		} else {
			cfg.PostgresAutoMigrate = v
		}
	}

	nonNegative := func(v time.Duration) bool { return v >= 0 }
	positive := func(v time.Duration) bool { return v > 0 }
	durations := []struct {
		key   string
		dst   *time.Duration
		valid func(time.Duration) bool
		rule  string
	}{
		{envFlushInterval, &cfg.FlushInterval, positive, "must be > 0"},
		{envReservationTTL, &cfg.ReservationTTL, nonNegative, "must be >= 0"},
		{envSweepInterval, &cfg.SweepInterval, positive, "must be > 0"},
		{envOutboxPoll, &cfg.OutboxPollInterval, positive, "must be > 0"},
		{envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegative, "must be >= 0"},
		{envDedupeTTL, &cfg.EventDedupeTTL, positive, "must be > 0"},
	}
	for _, d := range durations {
		raw, ok := lookup(d.key)
		if !ok {
			continue
		}
		v, err := parseDuration(raw, d.valid, d.rule)
		if err != nil {
			warn(d.key, raw, err)
			continue
		}
		*d.dst = v
	}

	positiveInt := func(v int) bool { return v > 0 }
	ints := []struct {
		key string
		dst *int
	}{
		{envOutboxBatchSize, &cfg.OutboxBatchSize},
		{envOutboxAttempts, &cfg.OutboxMaxAttempts},
		{envOutboundBuffer, &cfg.OutboundBuffer},
	}
	for _, i := range ints {
		raw, ok := lookup(i.key)
		if !ok {
			continue
		}
		v, err := parseInt(raw, positiveInt, "must be > 0")
		if err != nil {
			warn(i.key, raw, err)
			continue
		}
		*i.dst = v
	}

	if raw, ok := lookup(envOperatorID); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		switch {
		case err != nil:
			warn(envOperatorID, raw, err)
		case id < 0:
			warn(envOperatorID, raw, fmt.Errorf("must be >= 0"))
		default:
			cfg.OperatorID = id
		}
	}

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, fmt.Errorf("%d %s", v, rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, fmt.Errorf("%s %s", v, rule)
	}
	return v, nil
}
