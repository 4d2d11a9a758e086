package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/frost56k/cm-bot/internal/domain"
)

var advanceScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local target = tonumber(ARGV[1])
if target > current then
	redis.call('SET', KEYS[1], target)
	return target
end
return current
`)

// Sequencer выдаёт номера заказов через INCR.
type Sequencer struct {
	client goredis.UniversalClient
	key    string
}

func NewSequencer(client goredis.UniversalClient, prefix string) *Sequencer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sequencer{client: client, key: prefix + ":order_seq"}
}

func (s *Sequencer) Next(ctx context.Context) (string, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return "", domain.PersistenceError("incr order sequence", err)
	}
	return domain.FormatOrderNumber(n), nil
}

func (s *Sequencer) Current(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read order sequence: %w", err)
	}
	return n, nil
}

// Advance поднимает счётчик до last, если он меньше.
func (s *Sequencer) Advance(ctx context.Context, last int64) error {
	if err := advanceScript.Run(ctx, s.client, []string{s.key}, last).Err(); err != nil {
		return domain.PersistenceError("advance order sequence", err)
	}
	return nil
}

var _ domain.OrderSequencer = (*Sequencer)(nil)
