package assistant

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/domain"
)

// DefaultHistoryLimit — сколько последних реплик пользователя уходит в модель и хранится.
const DefaultHistoryLimit = 20

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completer — модель, продолжающая диалог.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// PromptSource возвращает системный промпт (документ с каталогом магазина).
type PromptSource func(ctx context.Context) (string, error)

// StaticPrompt возвращает неизменный промпт.
func StaticPrompt(prompt string) PromptSource {
	return func(context.Context) (string, error) { return prompt, nil }
}

// ServiceOptions задаёт параметры Service.
type ServiceOptions struct {
	Logger       *log.Entry
	HistoryLimit int
	Now          func() time.Time
}

// ServiceOption настраивает Service.
type ServiceOption func(*ServiceOptions)

func WithLogger(logger *log.Entry) ServiceOption {
	return func(opts *ServiceOptions) { opts.Logger = logger }
}

func WithHistoryLimit(limit int) ServiceOption {
	return func(opts *ServiceOptions) { opts.HistoryLimit = limit }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(opts *ServiceOptions) { opts.Now = now }
}

// Service ведёт историю диалога и спрашивает модель.
type Service struct {
	completer     Completer
	conversations domain.ConversationStore
	prompt        PromptSource
	limit         int
	logger        *log.Entry
	now           func() time.Time
}

// NewService создаёт ассистента. prompt может быть nil.
func NewService(completer Completer, conversations domain.ConversationStore, prompt PromptSource, options ...ServiceOption) *Service {
	opts := ServiceOptions{HistoryLimit: DefaultHistoryLimit}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "assistant")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if prompt == nil {
		prompt = StaticPrompt("")
	}
	return &Service{
		completer:     completer,
		conversations: conversations,
		prompt:        prompt,
		limit:         opts.HistoryLimit,
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Reply сохраняет вопрос, спрашивает модель с последними репликами и сохраняет ответ.
func (s *Service) Reply(ctx context.Context, userID int64, text string) (string, error) {
	logger := s.logger.WithField("user_id", userID)

	question := domain.ChatMessage{Role: RoleUser, Text: text, Timestamp: s.now()}
	if err := s.conversations.AppendMessage(ctx, userID, question, s.limit); err != nil {
		return "", err
	}
	history, err := s.conversations.History(ctx, userID)
	if err != nil {
		return "", err
	}

	system, err := s.prompt(ctx)
	if err != nil {
		// Без каталога модель всё равно может ответить.
		logger.WithError(err).Warn("failed to build system prompt")
		system = ""
	}

	answer, err := s.completer.Complete(ctx, s.buildMessages(system, history))
	if err != nil {
		return "", err
	}

	reply := domain.ChatMessage{Role: RoleAssistant, Text: answer, Timestamp: s.now()}
	if err := s.conversations.AppendMessage(ctx, userID, reply, s.limit); err != nil {
		logger.WithError(err).Warn("failed to store assistant reply")
	}
	logger.WithField("history", len(history)).Debug("assistant replied")
	return answer, nil
}

func (s *Service) buildMessages(system string, history []domain.ChatMessage) []Message {
	if len(history) > s.limit {
		history = history[len(history)-s.limit:]
	}
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Text})
	}
	return messages
}
