// Package app собирает бота из хранилищ, ядра заказов и сетевых серверов.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/frost56k/cm-bot/internal/bot"
	"github.com/frost56k/cm-bot/internal/domain"
	healthcheck "github.com/frost56k/cm-bot/internal/health"
	"github.com/frost56k/cm-bot/internal/messaging/kafka"
	"github.com/frost56k/cm-bot/internal/metrics"
	grpcsvc "github.com/frost56k/cm-bot/internal/service/grpc"
	"github.com/frost56k/cm-bot/internal/service/idempotency"
	"github.com/frost56k/cm-bot/internal/service/outbox"
	"github.com/frost56k/cm-bot/internal/version"
)

const (
	shutdownTimeout = 5 * time.Second
	// outboxStaleAfter — возраст самого старого неотправленного события, после которого outbox считается деградировавшим.
	outboxStaleAfter = 5 * time.Minute
)

// Run запускает бота и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	hub := bot.NewHub(cfg.OutboundBuffer, 0)
	defer hub.Close()
	c := newCore(cfg, deps, hub, metrics.NewShopMetrics(), logger)

	workers, workerCtx := newWorkerGroup(ctx, logger.WithField("layer", "workers"))
	workers.Go("reservation-sweeper", func() { c.sweeper.Run(workerCtx) })
	if deps.registry != nil {
		cleanup := idempotency.NewCleanupWorker(deps.registry,
			idempotency.WithLogger(logger.WithField("layer", "event-dedupe")),
			idempotency.WithInterval(cfg.EventDedupeCleanupInterval),
		)
		workers.Go("event-dedupe-cleanup", func() { cleanup.Run(workerCtx) })
	}
	if deps.flusher != nil {
		workers.Go("storage-flusher", func() {
			runFlusher(workerCtx, deps.flusher, cfg.FlushInterval, logger.WithField("layer", "flusher"))
		})
	}

	producer, err := initKafkaProducer(cfg.Brokers(), logger)
	if err != nil {
		producer = nil
	}
	if producer != nil {
		worker := newOutboxWorker(cfg, deps.outbox, producer, logger)
		workers.Go("outbox", func() { worker.Run(workerCtx) })
	}

	gateway := grpcsvc.NewChatGateway(c.dispatcher, hub,
		grpcsvc.WithLogger(logger.WithField("layer", "grpc")),
		grpcsvc.WithDeduper(deps.deduper, cfg.EventDedupeTTL),
	)
	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	grpcsvc.RegisterChatGatewayServer(grpcServer, gateway)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := newHealthHandler(deps, logger)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		workers.Stop(shutdownTimeout)
		shutdownHTTP(metricsSrv, logger)
		closeKafkaProducer(producer, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC шлюз чата слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		// Подписчики Subscribe завершаются только после закрытия очереди.
		hub.Close()
		stopGRPC(grpcServer, logger)
		workers.Stop(shutdownTimeout)
		shutdownHTTP(metricsSrv, logger)
		closeKafkaProducer(producer, logger)
		return ctx.Err()
	case err := <-errCh:
		hub.Close()
		workers.Stop(shutdownTimeout)
		shutdownHTTP(metricsSrv, logger)
		closeKafkaProducer(producer, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func newOutboxWorker(cfg Config, repo domain.EventOutbox, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	options := []outbox.Option{
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if cfg.KafkaDLQTopic != "" {
		options = append(options, outbox.WithDLQPublisher(kafka.NewEventPublisher(producer, cfg.KafkaDLQTopic)))
	}
	return outbox.NewWorker(repo, kafka.NewEventPublisher(producer, cfg.KafkaTopic), options...)
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

func newHealthHandler(deps *runtimeDependencies, logger *log.Entry) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		handler.RegisterChecker(name, checker)
	}
	handler.RegisterChecker("outbox", healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
		return checkOutboxBacklog(ctx, deps.outbox, time.Now().UTC())
	}))
	logger.WithField("checks", handler.Names()).Debug("health checks registered")
	return handler
}

// checkOutboxBacklog сообщает об ошибке, если события давно не уходят в брокер.
func checkOutboxBacklog(ctx context.Context, repo domain.EventOutbox, now time.Time) error {
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.PendingCount > 0 && now.Sub(stats.OldestPendingAt) > outboxStaleAfter {
		return fmt.Errorf("%d events pending, oldest since %s", stats.PendingCount, stats.OldestPendingAt.Format(time.RFC3339))
	}
	return nil
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и проверок здоровья.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
