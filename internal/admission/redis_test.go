package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisController(t *testing.T, limit int) *RedisController {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultRedisControllerConfig(limit)
	cfg.PollInterval = 5 * time.Millisecond
	return NewRedisController(client, cfg)
}

func newRedisControllerWithServer(t *testing.T, cfg RedisControllerConfig) (*RedisController, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisController(client, cfg), mr
}

func TestRedisController_AcquireRelease(t *testing.T) {
	c := newRedisController(t, 2)
	c.Register(1)

	assert.Equal(t, 2, c.Available(1))

	s1, ok := c.TryAcquire(1)
	require.True(t, ok)
	s2, ok := c.TryAcquire(1)
	require.True(t, ok)
	assert.Equal(t, 0, c.Available(1))

	_, ok = c.TryAcquire(1)
	assert.False(t, ok, "limit reached, third acquire must fail")

	s1.Release()
	assert.Equal(t, 1, c.Available(1))
	s2.Release()
	assert.Equal(t, 2, c.Available(1))
}

func TestRedisController_BlockingAcquire(t *testing.T) {
	c := newRedisController(t, 1)
	c.Register(1)

	held, ok := c.TryAcquire(1)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		slot, err := c.Acquire(context.Background(), 1)
		if err == nil {
			slot.Release()
		}
		done <- err
	}()

	// The waiter should be parked until we release.
	select {
	case <-done:
		t.Fatal("acquire returned while credential was saturated")
	case <-time.After(30 * time.Millisecond):
	}

	held.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestRedisController_AcquireCancellation(t *testing.T) {
	c := newRedisController(t, 1)
	c.Register(1)

	held, ok := c.TryAcquire(1)
	require.True(t, ok)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The failed acquire must not consume capacity.
	held.Release()
	assert.Equal(t, 1, c.Available(1))
}

func TestRedisController_ReleaseIdempotent(t *testing.T) {
	c := newRedisController(t, 2)
	c.Register(1)

	slot, ok := c.TryAcquire(1)
	require.True(t, ok)
	slot.Release()
	slot.Release()
	assert.Equal(t, 2, c.Available(1))
}

func TestRedisController_AcquireRefreshesTTL(t *testing.T) {
	cfg := DefaultRedisControllerConfig(2)
	cfg.SlotTTL = time.Minute
	c, mr := newRedisControllerWithServer(t, cfg)
	c.Register(1)

	s1, ok := c.TryAcquire(1)
	require.True(t, ok)
	defer s1.Release()

	mr.FastForward(30 * time.Second)
	require.Less(t, mr.TTL(c.key(1)), time.Minute)

	s2, ok := c.TryAcquire(1)
	require.True(t, ok)
	defer s2.Release()

	assert.Equal(t, time.Minute, mr.TTL(c.key(1)))
}

func TestRedisController_HeldSlotKeepsCounterAlive(t *testing.T) {
	cfg := DefaultRedisControllerConfig(1)
	cfg.SlotTTL = 600 * time.Millisecond
	c, mr := newRedisControllerWithServer(t, cfg)
	c.Register(1)

	slot, ok := c.TryAcquire(1)
	require.True(t, ok)

	// More virtual time passes than SlotTTL; the held slot renews the key.
	for i := 0; i < 3; i++ {
		time.Sleep(350 * time.Millisecond)
		mr.FastForward(400 * time.Millisecond)
	}

	assert.True(t, mr.Exists(c.key(1)), "counter expired under a held slot")
	assert.Equal(t, 0, c.Available(1))

	slot.Release()
	assert.Equal(t, 1, c.Available(1))
}

func TestRedisController_ExpiryNeverYieldsNegativeCounter(t *testing.T) {
	cfg := DefaultRedisControllerConfig(2)
	cfg.SlotTTL = time.Minute
	c, mr := newRedisControllerWithServer(t, cfg)
	c.Register(1)

	s1, ok := c.TryAcquire(1)
	require.True(t, ok)
	s2, ok := c.TryAcquire(1)
	require.True(t, ok)

	// Force the pathological case of the counter expiring while held.
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists(c.key(1)))

	s3, ok := c.TryAcquire(1)
	require.True(t, ok)
	s4, ok := c.TryAcquire(1)
	require.True(t, ok)

	for _, s := range []Slot{s1, s2, s3, s4} {
		s.Release()
	}

	// Releases clamp at zero, so the stale slots cannot push the counter
	// negative and inflate capacity.
	val, err := mr.Get(c.key(1))
	require.NoError(t, err)
	assert.Equal(t, "0", val)
	assert.Equal(t, 2, c.Available(1))

	s5, ok := c.TryAcquire(1)
	require.True(t, ok)
	s6, ok := c.TryAcquire(1)
	require.True(t, ok)
	_, ok = c.TryAcquire(1)
	assert.False(t, ok, "limit must hold after recovery")
	s5.Release()
	s6.Release()
}

func TestRedisController_UnknownCredential(t *testing.T) {
	c := newRedisController(t, 1)
	_, err := c.Acquire(context.Background(), 9)
	assert.ErrorIs(t, err, ErrUnknownCredential)
	assert.Equal(t, 0, c.Available(9))
}
