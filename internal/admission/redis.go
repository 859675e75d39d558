package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisController implements Controller on a shared Redis counter per
// credential, allowing several gateway replicas to honor one pool-wide
// per-credential concurrency limit. Counters carry a TTL so a crashed
// replica cannot wedge a credential forever.
type RedisController struct {
	client *redis.Client
	prefix string
	limit  int
	ttl    time.Duration

	// pollInterval paces the blocking Acquire loop; Redis has no native
	// blocking semaphore.
	pollInterval time.Duration

	mu    sync.RWMutex
	known map[int64]struct{}
}

// RedisControllerConfig configures a RedisController.
type RedisControllerConfig struct {
	// KeyPrefix is the prefix for all semaphore keys.
	KeyPrefix string
	// Limit is the per-credential concurrency limit.
	Limit int
	// SlotTTL bounds how long an abandoned counter survives.
	SlotTTL time.Duration
	// PollInterval paces blocking acquisition attempts.
	PollInterval time.Duration
}

// DefaultRedisControllerConfig returns default configuration.
func DefaultRedisControllerConfig(limit int) RedisControllerConfig {
	return RedisControllerConfig{
		KeyPrefix:    "admission:",
		Limit:        limit,
		SlotTTL:      5 * time.Minute,
		PollInterval: 50 * time.Millisecond,
	}
}

// NewRedisController creates a RedisController.
func NewRedisController(client *redis.Client, cfg RedisControllerConfig) *RedisController {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "admission:"
	}
	return &RedisController{
		client:       client,
		prefix:       cfg.KeyPrefix,
		limit:        cfg.Limit,
		ttl:          cfg.SlotTTL,
		pollInterval: cfg.PollInterval,
		known:        make(map[int64]struct{}),
	}
}

func (c *RedisController) key(id int64) string {
	return fmt.Sprintf("%ssem:%d", c.prefix, id)
}

// Register implements Controller.
func (c *RedisController) Register(ids ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.known[id] = struct{}{}
	}
}

// Unregister implements Controller.
func (c *RedisController) Unregister(id int64) {
	c.mu.Lock()
	delete(c.known, id)
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.client.Del(ctx, c.key(id)).Err()
}

func (c *RedisController) registered(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[id]
	return ok
}

// Acquire implements Controller.
func (c *RedisController) Acquire(ctx context.Context, id int64) (Slot, error) {
	if !c.registered(id) {
		return nil, ErrUnknownCredential
	}
	for {
		if slot, ok := c.tryIncr(ctx, id); ok {
			return slot, nil
		}
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire implements Controller.
func (c *RedisController) TryAcquire(id int64) (Slot, bool) {
	if !c.registered(id) {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.tryIncr(ctx, id)
}

// acquireScript increments the counter up to the limit and refreshes the
// key TTL on every successful acquire, so a busy credential's counter
// cannot expire mid-flight and admit extra callers.
var acquireScript = redis.NewScript(`
local cnt = redis.call('INCR', KEYS[1])
if cnt > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return cnt`)

// releaseScript decrements with a floor of zero. If the key expired while
// the slot was held, releasing must not drive the counter negative.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v or tonumber(v) <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])`)

func (c *RedisController) tryIncr(ctx context.Context, id int64) (Slot, bool) {
	key := c.key(id)
	cnt, err := acquireScript.Run(ctx, c.client, []string{key}, c.limit, c.ttl.Milliseconds()).Int64()
	if err != nil || cnt == 0 {
		return nil, false
	}
	slot := &redisSlot{client: c.client, key: key, ttl: c.ttl, done: make(chan struct{})}
	go slot.keepalive()
	return slot, true
}

// Available implements Controller.
func (c *RedisController) Available(id int64) int {
	if !c.registered(id) {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cnt, err := c.client.Get(ctx, c.key(id)).Int()
	if err != nil {
		if err == redis.Nil {
			return c.limit
		}
		return 0
	}
	free := c.limit - cnt
	if free < 0 {
		return 0
	}
	return free
}

type redisSlot struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	done   chan struct{}
	once   sync.Once
}

// keepalive renews the counter TTL while the slot is held. Video jobs can
// hold a slot far longer than SlotTTL.
func (s *redisSlot) keepalive() {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.client.PExpire(ctx, s.key, s.ttl).Err()
			cancel()
		case <-s.done:
			return
		}
	}
}

// Release implements Slot.
func (s *redisSlot) Release() {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, s.client, []string{s.key}).Err()
	})
}
