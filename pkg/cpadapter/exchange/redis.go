package exchange

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisBackend keeps each record in a hash at <prefix>:<key>.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a backend over client. The caller owns client.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(k string) string { return b.prefix + ":" + k }

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("load correlation: %w", mapRedisErr(err))
	}
	kind, ok := fields["kind"]
	if !ok {
		return Record{}, false, nil
	}
	return Record{Kind: Kind(kind), Data: []byte(fields["data"])}, true, nil
}

// Save implements Backend.
func (b *RedisBackend) Save(ctx context.Context, key string, rec Record) error {
	if err := b.client.HSet(ctx, b.key(key), "kind", string(rec.Kind), "data", rec.Data).Err(); err != nil {
		return fmt.Errorf("save correlation: %w", mapRedisErr(err))
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("delete correlation: %w", mapRedisErr(err))
	}
	return nil
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrBackendClosed
	}
	return err
}
