package memory

import (
	"context"
	"sync"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Conversation — сведения о пользователе и его история диалога.
type Conversation struct {
	Info     *domain.UserInfo
	Messages []domain.ChatMessage
}

// ConversationStore хранит диалоги в памяти.
type ConversationStore struct {
	mu    sync.RWMutex
	items map[int64]*Conversation
}

// NewConversationStore создаёт хранилище, заполненное загруженными диалогами (может быть nil).
func NewConversationStore(initial map[int64]Conversation) *ConversationStore {
	s := &ConversationStore{items: make(map[int64]*Conversation, len(initial))}
	for id, c := range initial {
		copied := cloneConversation(c)
		s.items[id] = &copied
	}
	return s
}

func (s *ConversationStore) UserInfo(_ context.Context, userID int64) (domain.UserInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.items[userID]
	if !ok || c.Info == nil {
		return domain.UserInfo{}, false, nil
	}
	return *c.Info, true, nil
}

func (s *ConversationStore) SaveUserInfo(_ context.Context, userID int64, info domain.UserInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.entryLocked(userID)
	c.Info = &info
	return nil
}

// AppendMessage добавляет реплику и оставляет не более keep последних (keep <= 0 — без ограничения).
func (s *ConversationStore) AppendMessage(_ context.Context, userID int64, msg domain.ChatMessage, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.entryLocked(userID)
	c.Messages = append(c.Messages, msg)
	if keep > 0 && len(c.Messages) > keep {
		trimmed := make([]domain.ChatMessage, keep)
		copy(trimmed, c.Messages[len(c.Messages)-keep:])
		c.Messages = trimmed
	}
	return nil
}

func (s *ConversationStore) History(_ context.Context, userID int64) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.items[userID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.ChatMessage, len(c.Messages))
	copy(out, c.Messages)
	return out, nil
}

// Snapshot возвращает копию всех диалогов.
func (s *ConversationStore) Snapshot() map[int64]Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Conversation, len(s.items))
	for id, c := range s.items {
		out[id] = cloneConversation(*c)
	}
	return out
}

func (s *ConversationStore) entryLocked(userID int64) *Conversation {
	c, ok := s.items[userID]
	if !ok {
		c = &Conversation{}
		s.items[userID] = c
	}
	return c
}

func cloneConversation(c Conversation) Conversation {
	out := Conversation{}
	if c.Info != nil {
		info := *c.Info
		out.Info = &info
	}
	if c.Messages != nil {
		out.Messages = make([]domain.ChatMessage, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	return out
}

var _ domain.ConversationStore = (*ConversationStore)(nil)
