package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisPrefix = "sessionvault:session:"

// RedisBackend stores each sealed record under prefix+id. Keys carry no TTL;
// expiry is decided by the session store from the decrypted record.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisBackendWithClient(client, prefix), nil
}

func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(id string) string { return b.prefix + id }

func (b *RedisBackend) Create(ctx context.Context, id string, blob []byte) error {
	ok, err := b.client.SetNX(ctx, b.key(id), blob, 0).Result()
	if err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) ([]byte, error) {
	blob, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return blob, nil
}

func (b *RedisBackend) Update(ctx context.Context, id string, blob []byte) error {
	ok, err := b.client.SetXX(ctx, b.key(id), blob, 0).Result()
	if err != nil {
		return fmt.Errorf("update session record: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan session keys: %w", err)
	}
	// SCAN may return a key more than once.
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) Mode() string { return "redis" }
