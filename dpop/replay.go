package dpop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"lmsoauth/oauth"
)

// ReplayCache remembers proof identifiers. Remember inserts key unless it is
// already present and unexpired, and reports whether the insert happened.
type ReplayCache interface {
	Remember(ctx context.Context, key string, until time.Time) (fresh bool, err error)
}

// MemoryReplayCache is a process-local ReplayCache.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewMemoryReplayCache returns an empty cache. now defaults to time.Now.
func NewMemoryReplayCache(now func() time.Time) *MemoryReplayCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayCache{
		entries: make(map[string]time.Time),
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *MemoryReplayCache) Remember(_ context.Context, key string, until time.Time) (bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = until
	return true, nil
}

// Sweep evicts expired entries and returns how many were removed.
func (c *MemoryReplayCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked entries.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper evicts expired entries every interval until Close.
func (c *MemoryReplayCache) StartSweeper(interval time.Duration) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper, waiting for it if one was started.
func (c *MemoryReplayCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
	return nil
}

// RedisReplayCache shares replay state between processes with SET NX PX.
type RedisReplayCache struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisReplayCache wraps an existing client. Keys are stored under keyPrefix.
func NewRedisReplayCache(client redis.UniversalClient, keyPrefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (c *RedisReplayCache) Remember(ctx context.Context, key string, until time.Time) (bool, error) {
	ttl := until.Sub(c.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := c.client.SetNX(ctx, c.keyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx: %w", oauth.ErrBackendUnavailable, err)
	}
	return ok, nil
}

// Ping checks Redis connectivity.
func (c *RedisReplayCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", oauth.ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (c *RedisReplayCache) Close() error {
	return c.client.Close()
}
