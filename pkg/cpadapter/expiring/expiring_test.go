package expiring_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/expiring"
)

// fakeClock is a manually advanced time source.
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

func TestMap_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := expiring.New[string, string](10*time.Second, expiring.WithClock(clock.Now))

	c.Put("k", "v")

	clock.Advance(5 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(6 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on read")
}

func TestMap_PutResetsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := expiring.New[string, int](10*time.Second, expiring.WithClock(clock.Now))

	c.Put("k", 1)
	clock.Advance(9 * time.Second)
	c.Put("k", 2)
	clock.Advance(9 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMap_Invalidate(t *testing.T) {
	c := expiring.New[string, int](time.Minute)
	c.Put("k", 1)
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMap_ZeroTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := expiring.New[int, string](0, expiring.WithClock(clock.Now))
	c.Put(1, "x")
	clock.Advance(1000 * time.Hour)
	_, ok := c.Get(1)
	assert.True(t, ok)
}

func TestMap_ConcurrentAccess(t *testing.T) {
	c := expiring.New[int, int](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(j, i)
				c.Get(j)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, c.Len())
}

func TestRistretto_GetPut(t *testing.T) {
	c, err := expiring.NewRistretto[string](time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	c.Put("provider", "catalog")
	v, ok := c.Get("provider")
	require.True(t, ok)
	assert.Equal(t, "catalog", v)

	c.Invalidate("provider")
	_, ok = c.Get("provider")
	assert.False(t, ok)
}

func TestRistretto_Expires(t *testing.T) {
	c, err := expiring.NewRistretto[string](20 * time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	c.Put("k", "v")
	time.Sleep(60 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}
