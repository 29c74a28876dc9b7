package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for MemoryCounter.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounter(client, ""), mr
}

// hit calls CheckAndIncrement n times and returns how many were limited.
func hit(t *testing.T, l *Limiter, key string, n int) int {
	t.Helper()
	limited := 0
	for i := 0; i < n; i++ {
		over, err := l.CheckAndIncrement(context.Background(), key)
		require.NoError(t, err)
		if over {
			limited++
		}
	}
	return limited
}

// =========================================================================
// MEMORY COUNTER TESTS
// =========================================================================

func TestMemory_AllowsUpToMaxThenLimits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New("login", NewMemoryCounter(clock.Now), 10*time.Minute, 5)

	assert.Equal(t, 0, hit(t, l, "1.2.3.4:a@b.com", 5), "first five are allowed")
	assert.Equal(t, 1, hit(t, l, "1.2.3.4:a@b.com", 1), "sixth is limited")
}

func TestMemory_LimitHookSeesEveryRefusal(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var refused []string
	l := New("login", NewMemoryCounter(clock.Now), time.Minute, 2,
		WithLimitHook(func(name string) { refused = append(refused, name) }))

	assert.Equal(t, 3, hit(t, l, "ip", 5))
	assert.Equal(t, []string{"login", "login", "login"}, refused)
	assert.Equal(t, "login", l.Name())
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New("login", NewMemoryCounter(clock.Now), 10*time.Minute, 1)

	assert.Equal(t, 0, hit(t, l, "1.2.3.4:a@b.com", 1))
	assert.Equal(t, 0, hit(t, l, "1.2.3.4:c@d.com", 1))
	assert.Equal(t, 0, hit(t, l, "5.6.7.8:a@b.com", 1))
}

func TestMemory_WindowResetsAtResetAt(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New("subscribe", NewMemoryCounter(clock.Now), time.Minute, 2)

	assert.Equal(t, 1, hit(t, l, "ip", 3))

	clock.Advance(59 * time.Second)
	assert.Equal(t, 1, hit(t, l, "ip", 1), "still inside the window")

	clock.Advance(time.Second)
	assert.Equal(t, 0, hit(t, l, "ip", 2), "window ended exactly at resetAt")
	assert.Equal(t, 1, hit(t, l, "ip", 1))
}

func TestMemory_LimiterNamesDoNotCollide(t *testing.T) {
	counter := NewMemoryCounter(nil)
	login := New("login", counter, time.Minute, 1)
	subscribe := New("subscribe", counter, time.Minute, 1)

	assert.Equal(t, 0, hit(t, login, "ip", 1))
	assert.Equal(t, 0, hit(t, subscribe, "ip", 1))
}

func TestMemory_PrunesExpiredEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	counter := NewMemoryCounter(clock.Now)
	l := New("subscribe", counter, time.Minute, 15)

	for i := 0; i < 50; i++ {
		hit(t, l, fmt.Sprintf("10.0.0.%d", i), 1)
	}
	require.Equal(t, 50, counter.Len())

	clock.Advance(2 * time.Minute)
	hit(t, l, "10.0.1.1", 1)

	assert.Equal(t, 1, counter.Len())
}

func TestMemory_ConcurrentHitsCountExactly(t *testing.T) {
	l := New("subscribe", NewMemoryCounter(nil), time.Hour, 15)

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	limited := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			over, err := l.CheckAndIncrement(context.Background(), "ip")
			if err != nil {
				return
			}
			if over {
				mu.Lock()
				limited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers-15, limited)
}

// =========================================================================
// REDIS COUNTER TESTS
// =========================================================================

func TestRedis_AllowsUpToMaxThenLimits(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New("login", counter, 10*time.Minute, 5)

	assert.Equal(t, 0, hit(t, l, "1.2.3.4:a@b.com", 5))
	assert.Equal(t, 1, hit(t, l, "1.2.3.4:a@b.com", 1))

	assert.True(t, mr.Exists("leadsync:rl:login:1.2.3.4:a@b.com"))
	assert.Equal(t, 10*time.Minute, mr.TTL("leadsync:rl:login:1.2.3.4:a@b.com"))
}

func TestRedis_TTLSetOnlyOnFirstHit(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New("subscribe", counter, time.Minute, 15)

	hit(t, l, "ip", 1)
	mr.FastForward(40 * time.Second)
	hit(t, l, "ip", 1)

	assert.Equal(t, 20*time.Second, mr.TTL("leadsync:rl:subscribe:ip"), "later hits must not extend the window")
}

func TestRedis_KeyWithoutTTLHeals(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New("login", counter, time.Minute, 5)
	key := "leadsync:rl:login:ip"

	// A window whose EXPIRE was lost: the count is over the limit and the
	// key would otherwise never expire.
	require.NoError(t, mr.Set(key, "9"))
	require.Zero(t, mr.TTL(key))

	assert.Equal(t, 1, hit(t, l, "ip", 1))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute)
	assert.Equal(t, 0, hit(t, l, "ip", 1))
}

func TestRedis_WindowResets(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New("subscribe", counter, time.Minute, 2)

	assert.Equal(t, 1, hit(t, l, "ip", 3))

	mr.FastForward(time.Minute)

	assert.Equal(t, 0, hit(t, l, "ip", 2))
}

func TestRedis_Unavailable(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New("login", counter, time.Minute, 5)
	mr.Close()

	_, err := l.CheckAndIncrement(context.Background(), "ip")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCounterUnavailable))
}
