package bot

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Messenger доставляет исходящие сообщения в чат-транспорт.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// ErrHubClosed возвращается при отправке после Close.
var ErrHubClosed = errors.New("outbound hub is closed")

const (
	defaultHubCapacity    = 256
	defaultHubSendTimeout = 5 * time.Second
)

// Hub — очередь исходящих сообщений, которую вычитывает мост к мессенджеру (gRPC Subscribe).
type Hub struct {
	queue       chan Message
	sendTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub создаёт очередь на capacity сообщений.
func NewHub(capacity int, sendTimeout time.Duration) *Hub {
	if capacity <= 0 {
		capacity = defaultHubCapacity
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultHubSendTimeout
	}
	return &Hub{
		queue:       make(chan Message, capacity),
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
	}
}

// Send ставит сообщение в очередь; при переполнении ждёт не дольше sendTimeout.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case h.queue <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// Messages — канал для чтения подписчиком. Несколько подписчиков делят очередь между собой.
func (h *Hub) Messages() <-chan Message {
	return h.queue
}

// Done закрывается при остановке очереди.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Pending возвращает число недоставленных сообщений.
func (h *Hub) Pending() int {
	return len(h.queue)
}

// Close останавливает приём сообщений.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Recorder запоминает отправленные сообщения. Используется в тестах и в консольном режиме.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewRecorder создаёт пустой Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith заставляет последующие Send возвращать err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages возвращает копию отправленных сообщений.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// To возвращает сообщения, отправленные в чат chatID.
func (r *Recorder) To(chatID int64) []Message {
	var out []Message
	for _, msg := range r.Messages() {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out
}

// Last возвращает последнее сообщение в чат chatID.
func (r *Recorder) Last(chatID int64) (Message, bool) {
	msgs := r.To(chatID)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Reset забывает отправленные сообщения.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
