package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/domain"
	"github.com/frost56k/cm-bot/internal/storage/memory"
)

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.LifecycleEvent
	callCount      int
}

func (s *stubPublisher) Publish(_ context.Context, event domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	var err error
	if len(s.sequenceErrors) > 0 {
		err = s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
	} else {
		err = s.err
	}
	if err == nil {
		s.published = append(s.published, event)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.EventPublisher = (*stubPublisher)(nil)

func enqueue(t *testing.T, repo domain.EventOutbox, key string) domain.LifecycleEvent {
	t.Helper()
	event, err := repo.Enqueue(context.Background(), domain.LifecycleEvent{
		Key:     key,
		Type:    domain.EventOrderCreated,
		Payload: []byte(`{"order_number":"` + key + `"}`),
	})
	require.NoError(t, err)
	return event
}

func pendingCount(t *testing.T, repo domain.EventOutbox) int {
	t.Helper()
	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	return stats.PendingCount
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	first := enqueue(t, repo, "000001")
	enqueue(t, repo, "000002")
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	sent := worker.ProcessOnce(context.Background())
	require.Equal(t, 2, sent)
	require.Equal(t, 2, publisher.calls())
	require.Equal(t, first.ID, publisher.published[0].ID)
	require.Zero(t, pendingCount(t, repo))

	require.Zero(t, worker.ProcessOnce(context.Background()))
	require.Equal(t, 2, publisher.calls())
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	event := enqueue(t, repo, "000003")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	require.Zero(t, worker.ProcessOnce(context.Background()))
	require.Equal(t, 3, publisher.calls())
	require.Zero(t, pendingCount(t, repo), "failed event leaves the pending backlog")

	require.Len(t, dlq.published, 1)
	require.Equal(t, event.ID, dlq.published[0].ID)

	var envelope DLQRecord
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &envelope))
	require.Equal(t, "000003", envelope.Key)
	require.Equal(t, string(domain.EventOrderCreated), envelope.Type)
	require.Contains(t, envelope.PublishError, "broker unavailable")
	require.JSONEq(t, `{"order_number":"000003"}`, string(envelope.Payload))
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "000004")
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Millisecond), WithMaxAttempts(3))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	require.Equal(t, 3, publisher.calls())
	require.Zero(t, pendingCount(t, repo))
}

func TestWorker_ProcessOnce_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, key := range []string{"a", "b", "c"} {
		enqueue(t, repo, key)
	}
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithBatchSize(2), WithRetryBaseDelay(0))

	require.Equal(t, 2, worker.ProcessOnce(context.Background()))
	require.Equal(t, 1, pendingCount(t, repo))
	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	require.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	require.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))

	noDelay := NewWorker(nil, nil, WithRetryBaseDelay(0))
	require.Zero(t, noDelay.retryBackoff(5))
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), &stubPublisher{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
