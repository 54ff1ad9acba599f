package identifier

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// nextScript increments the counter and lifts it above floor in one step, so a
// counter that lost its value (eviction, flush) can never reissue a stored sequential.
var nextScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[1])
if v <= floor then
  v = floor + 1
  redis.call('SET', KEYS[1], v)
end
return v
`)

// RedisCounter shares sequence reservations between replicas.
type RedisCounter struct {
	Client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{Client: client}
}

func (c *RedisCounter) Next(ctx context.Context, key string, floor int64) (int64, error) {
	return nextScript.Run(ctx, c.Client, []string{key}, floor).Int64()
}

func (c *RedisCounter) Peek(ctx context.Context, key string) (int64, error) {
	v, err := c.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
