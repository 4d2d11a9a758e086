package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Deduper запоминает ключи входящих событий через SET NX с TTL.
// Ключи истекают сами, поэтому воркер очистки ему не нужен.
type Deduper struct {
	client goredis.UniversalClient
	prefix string
}

func NewDeduper(client goredis.UniversalClient, prefix string) *Deduper {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Deduper{client: client, prefix: prefix + ":event:"}
}

func (d *Deduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, domain.PersistenceError("claim event key", err)
	}
	return ok, nil
}

func (d *Deduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return domain.PersistenceError("forget event key", err)
	}
	return nil
}
