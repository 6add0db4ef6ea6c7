package clipboard

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport keeps the clipboard in redis so a selection copied on one
// machine can be pasted on another under the same key prefix.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTransport stores blobs under prefix+format. A zero ttl keeps them
// until overwritten.
func NewRedisTransport(rdb *redis.Client, prefix string, ttl time.Duration) *RedisTransport {
	return &RedisTransport{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (t *RedisTransport) key(format string) string {
	return t.prefix + format
}

func (t *RedisTransport) Put(ctx context.Context, format string, data []byte) error {
	return t.rdb.Set(ctx, t.key(format), data, t.ttl).Err()
}

func (t *RedisTransport) Get(ctx context.Context, format string) ([]byte, bool, error) {
	data, err := t.rdb.Get(ctx, t.key(format)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
