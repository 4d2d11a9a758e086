package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/metrics"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 200
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmbot_reservation_sweep_runs_total",
		Help: "Total number of reservation sweep runs grouped by result.",
	}, []string{"result"})
	sweepLastReleased = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmbot_reservation_sweep_last_released",
		Help: "Number of carts released during the last sweep run.",
	})
)

// SessionChecker отслеживает оформление заказа: начатое раньше отсечки считается брошенным.
type SessionChecker interface {
	StartedAt(userID int64) (time.Time, bool)
	Cancel(userID int64) bool
}

// UserLocker сериализует работу с одним пользователем; возвращает функцию разблокировки.
type UserLocker interface {
	Lock(userID int64) func()
}

// ExpiryNotifier уведомляет пользователя об освобождённой корзине.
type ExpiryNotifier func(ctx context.Context, userID int64, released domain.Cart)

// SweeperOptions задаёт параметры воркера освобождения резервов.
type SweeperOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Sessions  SessionChecker
	Locker    UserLocker
	Outbox    domain.EventOutbox
	Metrics   *metrics.ShopMetrics
	Notify    ExpiryNotifier
	Now       func() time.Time
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*SweeperOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число корзин за один запрос ListIdle.
func WithBatchSize(batchSize int) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.BatchSize = batchSize
	}
}

// WithSessions исключает пользователей со свежим оформлением и отменяет брошенное.
func WithSessions(sessions SessionChecker) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Sessions = sessions
	}
}

// WithLocker задаёт пользовательские блокировки, общие с диспетчером.
func WithLocker(locker UserLocker) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Locker = locker
	}
}

// WithOutbox включает события cart.expired.
func WithOutbox(outbox domain.EventOutbox) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Outbox = outbox
	}
}

// WithMetrics подключает метрики магазина.
func WithMetrics(m *metrics.ShopMetrics) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Metrics = m
	}
}

// WithNotifier задаёт уведомление пользователя об истёкшем резерве.
func WithNotifier(notify ExpiryNotifier) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Notify = notify
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Now = now
	}
}

// Sweeper периодически возвращает на склад товар из корзин, неактивных дольше ttl.
// ttl <= 0 отключает освобождение: резерв держится бессрочно.
type Sweeper struct {
	engine    *Engine
	carts     domain.CartRepository
	ttl       time.Duration
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	sessions  SessionChecker
	locker    UserLocker
	outbox    domain.EventOutbox
	metrics   *metrics.ShopMetrics
	notify    ExpiryNotifier
	now       func() time.Time
}

// NewSweeper создаёт воркер освобождения резервов.
func NewSweeper(engine *Engine, ttl time.Duration, options ...SweeperOption) *Sweeper {
	opts := SweeperOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Sweeper{
		engine:    engine,
		ttl:       ttl,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		sessions:  opts.Sessions,
		locker:    opts.Locker,
		outbox:    opts.Outbox,
		metrics:   opts.Metrics,
		notify:    opts.Notify,
		now:       opts.Now,
	}
	if engine != nil {
		s.carts = engine.carts
	}
	return s
}

// Enabled сообщает, включено ли освобождение резервов.
func (s *Sweeper) Enabled() bool {
	return s.engine != nil && s.ttl > 0
}

// Run запускает периодические проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("reservation sweeper is disabled: reservations are held until checkout or clear")
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	released, err := s.SweepOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("reservation sweep run failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastReleased.Set(float64(released))
	if released > 0 {
		s.logger.WithField("released_carts", released).Info("reservation sweep completed")
	}
}

// SweepOnce освобождает все корзины, неактивные дольше ttl, и возвращает их число.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	cutoff := s.now().Add(-s.ttl)
	seen := make(map[int64]struct{})
	total := 0
	var errs []error

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		users, err := s.carts.ListIdle(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}

		progressed := false
		for _, userID := range users {
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			progressed = true

			ok, err := s.releaseUser(ctx, userID, cutoff)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				total++
			}
		}

		// Пропущенные корзины (активное оформление, ошибки) остаются в выборке.
		if !progressed || len(users) < s.batchSize {
			break
		}
	}

	return total, errors.Join(errs...)
}

func (s *Sweeper) releaseUser(ctx context.Context, userID int64, cutoff time.Time) (bool, error) {
	if s.locker != nil {
		unlock := s.locker.Lock(userID)
		defer unlock()
	}
	abandoned := false
	if s.sessions != nil {
		if startedAt, ok := s.sessions.StartedAt(userID); ok {
			if !startedAt.Before(cutoff) {
				s.logger.WithField("user_id", userID).Debug("skip idle cart: checkout in progress")
				return false, nil
			}
			abandoned = true
		}
	}

	prev, released, err := s.engine.ReleaseIdle(ctx, userID, cutoff)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to release idle cart")
		return released, err
	}
	if !released {
		return false, nil
	}
	if abandoned && s.sessions.Cancel(userID) {
		s.logger.WithField("user_id", userID).Info("abandoned checkout canceled")
	}

	if s.metrics != nil {
		s.metrics.RecordCartExpired()
	}
	s.logger.WithFields(log.Fields{
		"user_id": userID,
		"items":   len(prev.Items),
	}).Info("idle cart released")

	s.enqueueExpired(ctx, userID, len(prev.Items))
	if s.notify != nil {
		s.notify(ctx, userID, prev)
	}
	return true, nil
}

func (s *Sweeper) enqueueExpired(ctx context.Context, userID int64, released int) {
	if s.outbox == nil {
		return
	}
	event, err := domain.NewCartExpiredEvent(userID, released, s.now())
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to build cart.expired event")
		return
	}
	if _, err := s.outbox.Enqueue(ctx, event); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to enqueue cart.expired event")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent(string(domain.EventCartExpired))
	}
}
