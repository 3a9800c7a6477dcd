package budget

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript prunes expired holders, then adds the run to the
// environment's holder set when there is room. Members are scored by expiry
// in unix milliseconds. A run already holding a slot gets its expiry renewed,
// which keeps Release idempotent and Acquire safe to repeat.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expires = now + tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZSCORE', KEYS[1], ARGV[3]) then
  redis.call('ZADD', KEYS[1], expires, ARGV[3])
  return 1
end
local limit = tonumber(ARGV[4])
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then return 0 end
redis.call('ZADD', KEYS[1], expires, ARGV[3])
return 1
`)

// Redis shares counters across engine replicas.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis blast-radius backend: addr is required")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
		MaxRetries:  2,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "playwatch:blast:"
	}
	ttl := cfg.HolderTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, now: time.Now}, nil
}

func (r *Redis) key(env string) string { return r.prefix + env }

func (r *Redis) Current(ctx context.Context, env string) (int, error) {
	from := "(" + strconv.FormatInt(r.now().UnixMilli(), 10)
	n, err := r.client.ZCount(ctx, r.key(env), from, "+inf").Result()
	return int(n), err
}

func (r *Redis) Acquire(ctx context.Context, env, runID string, limit int) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key(env)},
		r.now().UnixMilli(), r.ttl.Milliseconds(), runID, limit).Int()
	if err != nil {
		return false, fmt.Errorf("acquire blast-radius slot: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, env, runID string) error {
	return r.client.ZRem(ctx, r.key(env), runID).Err()
}

// Client exposes the connection so target locks can share it.
func (r *Redis) Client() *redis.Client { return r.client }

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
