// Package locker provides best-effort run locks over Redis so horizontally
// scaled workers don't run the same periodic loop at once. Every loop body
// is already idempotent, so a lost or expired lock mid-run costs duplicate
// work, never correctness.
package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only while it still holds our token,
// so an expired lock reacquired by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Locker struct {
	redisdb *redis.Client
}

func New(cfg Config) *Locker {
	redisdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Locker{redisdb: redisdb}
}

// Acquire takes the named lock for at most ttl. When ok, the returned
// release frees it early; otherwise another holder owns it. The ttl is the
// backstop for crashed holders.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), ok bool, err error) {
	token := uuid.NewString()
	key := "greeter:lock:" + name

	ok, err = l.redisdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(rctx context.Context) {
		_ = releaseScript.Run(rctx, l.redisdb, []string{key}, token).Err()
	}
	return release, true, nil
}

// Ping checks redis connectivity; the worker readiness probe uses it.
func (l *Locker) Ping(ctx context.Context) error {
	return l.redisdb.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.redisdb.Close()
}
