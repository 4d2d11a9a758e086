package app

import (
	"context"
	"os"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/frost56k/cm-bot/internal/domain"
)

type countingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *countingPublisher) Publish(_ context.Context, event domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *countingPublisher) published() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.LifecycleEvent, len(p.events))
	copy(out, p.events)
	return out
}

type countingFlusher struct {
	mu sync.Mutex
	n  int
}

func (f *countingFlusher) Flush(context.Context) error {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return nil
}

func (f *countingFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func mustPrice(s *LifecycleSuite, raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	s.Require().NoError(err)
	return d
}
