package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHub_DeliversInOrder(t *testing.T) {
	hub := NewHub(4, time.Second)
	ctx := context.Background()

	require.NoError(t, hub.Send(ctx, Message{ChatID: 1, Text: "a"}))
	require.NoError(t, hub.Send(ctx, Message{ChatID: 1, Text: "b"}))
	require.Equal(t, 2, hub.Pending())

	require.Equal(t, "a", (<-hub.Messages()).Text)
	require.Equal(t, "b", (<-hub.Messages()).Text)
}

func TestHub_FullQueueTimesOut(t *testing.T) {
	hub := NewHub(1, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, hub.Send(ctx, Message{Text: "a"}))
	err := hub.Send(ctx, Message{Text: "b"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_Closed(t *testing.T) {
	hub := NewHub(1, time.Second)
	hub.Close()
	hub.Close()

	require.ErrorIs(t, hub.Send(context.Background(), Message{}), ErrHubClosed)
	select {
	case <-hub.Done():
	default:
		t.Fatal("done channel must be closed")
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	require.NoError(t, rec.Send(ctx, Message{ChatID: 1, Text: "one"}))
	require.NoError(t, rec.Send(ctx, Message{ChatID: 2, Text: "two"}))
	require.NoError(t, rec.Send(ctx, Message{ChatID: 1, Text: "three"}))

	require.Len(t, rec.Messages(), 3)
	require.Len(t, rec.To(1), 2)
	last, ok := rec.Last(1)
	require.True(t, ok)
	require.Equal(t, "three", last.Text)

	rec.FailWith(errors.New("down"))
	require.Error(t, rec.Send(ctx, Message{}))

	rec.Reset()
	_, ok = rec.Last(1)
	require.False(t, ok)
}
