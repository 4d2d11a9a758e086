package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval  = time.Minute
	defaultCleanupBatchSize = 1000
)

var (
	dedupeCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmbot_event_dedupe_cleanup_runs_total",
		Help: "Total number of inbound event key cleanup runs grouped by result.",
	}, []string{"result"})
	dedupeCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmbot_event_dedupe_cleanup_deleted_total",
		Help: "Total number of expired inbound event keys removed.",
	})
	dedupeKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmbot_event_dedupe_keys",
		Help: "Number of remembered inbound event keys after the last cleanup run.",
	})
)

// ExpiredDeleter — хранилище ключей с ручной очисткой (Redis истекает сам и в воркере не нуждается).
type ExpiredDeleter interface {
	DeleteExpired(before time.Time, limit int) (int, error)
}

// sizer сообщает текущее число ключей.
type sizer interface {
	Len() int
}

// CleanupOptions задает параметры воркера очистки ключей событий.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// CleanupWorker периодически удаляет просроченные ключи событий.
type CleanupWorker struct {
	repo      ExpiredDeleter
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker создает воркер очистки ключей событий.
func NewCleanupWorker(repo ExpiredDeleter, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "event-dedupe-cleanup")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("event dedupe cleanup is disabled: registry is nil")
		return
	}

	w.cleanup(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		dedupeCleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("event dedupe cleanup failed")
		return
	}

	dedupeCleanupRunsTotal.WithLabelValues("ok").Inc()
	if s, ok := w.repo.(sizer); ok {
		dedupeKeys.Set(float64(s.Len()))
	}
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Debug("expired event keys removed")
	}
}

// DeleteExpired удаляет все ключи, истёкшие к before, порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			dedupeCleanupDeletedTotal.Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
