// ABOUTME: go-redis adapter for the cluster RedisClient interface
// ABOUTME: Implements compare-and-swap with a Lua script

package cluster

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

// swapScript replaces KEYS[1] with ARGV[2] when the stored document's version
// equals ARGV[1]. A missing key counts as version 0.
var swapScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ver = 0
if cur then
  ver = tonumber(cjson.decode(cur).version) or 0
end
if ver ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// GoRedisClient wraps a go-redis client to implement RedisClient.
type GoRedisClient struct {
	client *goredis.Client
}

var _ RedisClient = (*GoRedisClient)(nil)

// NewGoRedisClient connects to addr.
func NewGoRedisClient(addr, password string, db int) *GoRedisClient {
	return &GoRedisClient{client: goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Get returns the value at key, or ErrKeyMissing when it does not exist.
func (g *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrKeyMissing
	}
	return v, err
}

// SwapIfVersion stores value at key when the stored document is at version
// expected, atomically on the server. It reports whether the write happened.
func (g *GoRedisClient) SwapIfVersion(ctx context.Context, key string, expected int64, value string) (bool, error) {
	n, err := swapScript.Run(ctx, g.client, []string{key}, expected, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping checks that the server is reachable.
func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}
