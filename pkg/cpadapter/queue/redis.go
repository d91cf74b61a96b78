package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Entries are hashes under <prefix>:e:<id>. A sorted set <prefix>:ready
// scores every entry by the unix millisecond at which it becomes
// claimable: its invoke-after time, or its lease expiry while claimed.

var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
    redis.call("ZADD", KEYS[1], ARGV[3], id)
    redis.call("HSET", ARGV[5] .. id, "token", ARGV[4])
end
return ids
`)

var deleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "token") ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[2])
redis.call("ZREM", KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "token") ~= ARGV[1] then
    return 0
end
redis.call("HINCRBY", KEYS[2], "retries_left", "-1")
redis.call("HINCRBY", KEYS[2], "attempts", "1")
redis.call("HSET", KEYS[2], "token", "")
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
return 1
`)

var deadLetterScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "token") ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[2], "channel", ARGV[4], "retries_left", ARGV[5], "payload", ARGV[6], "attempts", "0", "token", "")
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
return 1
`)

// RedisStore persists queue entries in Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore creates a store that keeps its keys under prefix.
// The caller owns client.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = "cpadapter:queue"
	}
	return &RedisStore{client: client, prefix: prefix, now: o.now}
}

func (s *RedisStore) readyKey() string {
	return s.prefix + ":ready"
}

func (s *RedisStore) entryPrefix() string {
	return s.prefix + ":e:"
}

func (s *RedisStore) entryKey(id string) string {
	return s.entryPrefix() + id
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	prepare(e, s.now())
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey(e.ID),
			"channel", e.Channel,
			"payload", e.Payload,
			"retries_left", e.RetriesLeft,
			"attempts", e.Attempts,
			"enqueued_at", e.EnqueuedAt.UnixNano(),
			"invoke_after", e.InvokeAfter.UnixNano(),
			"token", "",
		)
		pipe.ZAdd(ctx, s.readyKey(), redis.Z{Score: float64(millis(e.InvokeAfter)), Member: e.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// ClaimBatch implements Store.
func (s *RedisStore) ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if max <= 0 {
		return nil, nil
	}

	now := s.now()
	token := uuid.NewString()
	ids, err := claimScript.Run(ctx, s.client, []string{s.readyKey()},
		millis(now), max, millis(now.Add(lease)), token, s.entryPrefix(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read claimed entries: %w", err)
	}

	out := make([]*Entry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 || fields["token"] != token {
			continue
		}
		e, err := decodeRedisEntry(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRedisEntry(id string, f map[string]string) (*Entry, error) {
	ints := make(map[string]int64, 4)
	for _, k := range []string{"retries_left", "attempts", "enqueued_at", "invoke_after"} {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s field %s: %w", id, k, err)
		}
		ints[k] = v
	}
	return &Entry{
		ID:          id,
		Channel:     f["channel"],
		Payload:     []byte(f["payload"]),
		RetriesLeft: int(ints["retries_left"]),
		Attempts:    int(ints["attempts"]),
		EnqueuedAt:  time.Unix(0, ints["enqueued_at"]),
		InvokeAfter: time.Unix(0, ints["invoke_after"]),
		ClaimToken:  f["token"],
	}, nil
}

// runOwned executes a token-guarded script for e.
func (s *RedisStore) runOwned(ctx context.Context, op string, script *redis.Script, e *Entry, extra ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if e.ClaimToken == "" {
		return fmt.Errorf("%s entry %s: %w", op, e.ID, ErrLeaseLost)
	}

	args := append([]any{e.ClaimToken, e.ID, millis(s.now())}, extra...)
	n, err := script.Run(ctx, s.client, []string{s.readyKey(), s.entryKey(e.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("%s entry: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s entry %s: %w", op, e.ID, ErrLeaseLost)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, e *Entry) error {
	return s.runOwned(ctx, "delete", deleteScript, e)
}

// IncrementRetryAndRelease implements Store.
func (s *RedisStore) IncrementRetryAndRelease(ctx context.Context, e *Entry) error {
	return s.runOwned(ctx, "release", releaseScript, e)
}

// MoveToDeadLetter implements Store.
func (s *RedisStore) MoveToDeadLetter(ctx context.Context, e *Entry, channel string, retries int) error {
	return s.runOwned(ctx, "dead-letter", deadLetterScript, e, channel, retries, e.Payload)
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n, err := s.client.ZCard(ctx, s.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return int(n), nil
}

// Close implements Store. The client stays open.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)
