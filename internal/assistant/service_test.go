package assistant

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frost56k/cm-bot/internal/storage/memory"
)

type fakeCompleter struct {
	got   [][]Message
	reply string
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	f.got = append(f.got, messages)
	return f.reply, f.err
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestService_ReplyStoresHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewConversationStore(nil)
	completer := &fakeCompleter{reply: "Эспрессо-обжарка подойдёт."}
	svc := NewService(completer, store, StaticPrompt(`{"coffee_shop":[]}`), WithClock(fixedClock()))

	answer, err := svc.Reply(ctx, 7, "Что взять для кофемашины?")
	require.NoError(t, err)
	require.Equal(t, "Эспрессо-обжарка подойдёт.", answer)

	require.Len(t, completer.got, 1)
	sent := completer.got[0]
	require.Equal(t, Message{Role: RoleSystem, Content: `{"coffee_shop":[]}`}, sent[0])
	require.Equal(t, Message{Role: RoleUser, Content: "Что взять для кофемашины?"}, sent[1])

	history, err := store.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, RoleAssistant, history[1].Role)
}

func TestService_KeepsLastMessagesOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewConversationStore(nil)
	completer := &fakeCompleter{reply: "ok"}
	svc := NewService(completer, store, nil, WithHistoryLimit(4))

	for i := 0; i < 5; i++ {
		_, err := svc.Reply(ctx, 1, fmt.Sprintf("вопрос %d", i))
		require.NoError(t, err)
	}

	last := completer.got[len(completer.got)-1]
	require.Len(t, last, 5, "system prompt plus four history messages")
	require.Equal(t, "вопрос 4", last[len(last)-1].Content)

	history, err := store.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 4)
}

func TestService_CompleterError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewConversationStore(nil)
	svc := NewService(&fakeCompleter{err: ErrUnavailable}, store, nil)

	_, err := svc.Reply(ctx, 3, "привет")
	require.ErrorIs(t, err, ErrUnavailable)

	history, err := store.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 1, "question stays in history, no reply is stored")
}

func TestService_PromptFailureStillAsks(t *testing.T) {
	completer := &fakeCompleter{reply: "ok"}
	svc := NewService(completer, memory.NewConversationStore(nil), func(context.Context) (string, error) {
		return "", errors.New("catalog unavailable")
	})

	_, err := svc.Reply(context.Background(), 1, "привет")
	require.NoError(t, err)
	require.Equal(t, "", completer.got[0][0].Content)
}
