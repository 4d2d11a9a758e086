package app

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
)

// workerGroup запускает фоновые воркеры и останавливает их вместе.
type workerGroup struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Entry
}

func newWorkerGroup(ctx context.Context, logger *log.Entry) (*workerGroup, context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	return &workerGroup{cancel: cancel, logger: logger}, workerCtx
}

func (g *workerGroup) Go(name string, run func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.WithField("worker", name).Debug("worker started")
		run()
		g.logger.WithField("worker", name).Debug("worker stopped")
	}()
}

// Stop отменяет воркеры и ждёт их не дольше timeout.
func (g *workerGroup) Stop(timeout time.Duration) {
	if g == nil {
		return
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	shutdownOutboxWorker(nil, done, g.logger, timeout)
}

// shutdownOutboxWorker отменяет воркер и ждёт закрытия done.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry, timeout time.Duration) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("background workers did not stop in time")
	}
}

// runFlusher периодически сбрасывает кэш хранилища и делает финальный сброс при остановке.
func runFlusher(ctx context.Context, flusher domain.Flusher, interval time.Duration, logger *log.Entry) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := flusher.Flush(flushCtx); err != nil {
				logger.WithError(err).Error("final flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := flusher.Flush(ctx); err != nil {
				logger.WithError(err).Warn("periodic flush failed")
			}
		}
	}
}
