package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted-set member per start, scored by server time in ms.
// It returns 0 when a start fits (claiming it when ARGV[3] is 1), otherwise the
// number of ms until the oldest start leaves the window.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local claim = tonumber(ARGV[3])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  if claim == 1 then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, window)
  end
  return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then wait = 1 end
return wait
`)

// Redis is a sliding-window limiter shared by every process using the same key.
type Redis struct {
	rdb redis.Scripter
	key string

	mu  sync.RWMutex
	cfg Config
}

func NewRedis(rdb redis.Scripter, queue string, cfg Config) *Redis {
	return &Redis{rdb: rdb, key: Key(queue), cfg: cfg}
}

// Key is the redis key holding the start log of queue.
func Key(queue string) string { return "courier:ratelimit:" + strings.TrimSpace(queue) }

func (r *Redis) SetRate(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Redis) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Redis) run(ctx context.Context, claim bool) (time.Duration, error) {
	cfg := r.config()
	if cfg.Unlimited() {
		return 0, nil
	}
	flag := 0
	if claim {
		flag = 1
	}
	ms, err := slidingWindow.Run(ctx, r.rdb, []string{r.key}, cfg.Window.Milliseconds(), cfg.Max, flag, uuid.NewString()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit %s: %w", r.key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *Redis) Allow(ctx context.Context) (bool, error) {
	wait, err := r.run(ctx, true)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// delay is the time until the oldest start in the window expires, 0 when a
// start would fit now. It claims nothing.
func (r *Redis) delay(ctx context.Context) (time.Duration, error) {
	return r.run(ctx, false)
}

func (r *Redis) Wait(ctx context.Context) error {
	for {
		wait, err := r.delay(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if w := r.config().Window; wait > w {
			wait = w
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RedisOptions builds client options from a redis:// URL with bounded reconnect backoff.
func RedisOptions(url string) (*redis.Options, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 50 * time.Millisecond
	opt.MaxRetryBackoff = 2 * time.Second
	return opt, nil
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := RedisOptions(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
