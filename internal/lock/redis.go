package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX, shared by every service instance.
type Redis struct {
	pool *redis.Pool
}

// NewRedisPool dials addr and verifies the connection with PING.
func NewRedisPool(addr, password string) (*redis.Pool, error) {
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialPassword(password),
				redis.DialConnectTimeout(5*time.Second))
		},
	}
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return pool, nil
}

// NewRedis wraps a redigo pool.
func NewRedis(pool *redis.Pool) *Redis {
	return &Redis{pool: pool}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	token := uuid.NewString()
	reply, err := redis.String(conn.Do("SET", key, token, "NX", "PX", ttl.Milliseconds()))
	if err == redis.ErrNil {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}
	if reply != "OK" {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c := r.pool.Get()
			defer c.Close()
			if _, err := releaseScript.Do(c, key, token); err != nil {
				// The key expires on its own after ttl
				slog.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

// Close closes the underlying pool.
func (r *Redis) Close() error { return r.pool.Close() }
