package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
)

const keyPrefix = "ledger:txview:"

// Each key is a hash of {version, view}. Versions are zero-padded unix nanoseconds so Lua can
// compare them as strings without losing precision to doubles. An empty view is a tombstone.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and current > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'view', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var tombstone = redis.NewScript(`
local version = ARGV[1]
local current = redis.call('HGET', KEYS[1], 'version')
if current and current > version then
	version = current
end
redis.call('HSET', KEYS[1], 'version', version, 'view', '')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

type RedisTransactionCache struct {
	client *redis.Client
}

func NewRedisTransactionCache(addr string, password string, db int) *RedisTransactionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTransactionCache{client: client}
}

func (c *RedisTransactionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTransactionCache) Close() error {
	return c.client.Close()
}

func (c *RedisTransactionCache) Get(ctx context.Context, transactionID string) (*domain.TransactionReturnsResponse, bool, error) {
	val, err := c.client.HGet(ctx, keyPrefix+transactionID, "view").Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if val == "" {
		return nil, false, nil
	}

	var resp domain.TransactionReturnsResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisTransactionCache) Set(ctx context.Context, transactionID string, value *domain.TransactionReturnsResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{keyPrefix + transactionID},
		encodeVersion(viewVersion(value)), payload, ttl.Milliseconds()).Err()
}

func (c *RedisTransactionCache) Delete(ctx context.Context, transactionID string) error {
	return tombstone.Run(ctx, c.client, []string{keyPrefix + transactionID},
		encodeVersion(time.Now().UnixNano()), tombstoneTTL.Milliseconds()).Err()
}

func encodeVersion(version int64) string {
	return fmt.Sprintf("%019d", version)
}
