package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestTTLCacheSetGet(t *testing.T) {
	c := NewWithClock(time.Minute, clockz.NewFakeClock())

	c.Set("a", 1)
	c.SetWithTTL("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.TTLLen(), "only entries with a TTL are indexed")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := NewWithClock(time.Minute, clock)

	c.Set("k", "v")
	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.TTLLen())
}

func TestTTLCacheExpiredEntriesCountUntilSwept(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := NewWithClock(time.Second, clock)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	c.SetWithTTL("forever", true, 0)
	clock.Advance(2 * time.Second)

	assert.Equal(t, 6, c.Len())
	assert.Equal(t, 5, c.TTLLen())

	assert.Equal(t, 5, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.TTLLen())
}

func TestTTLCacheSetWithoutTTLClearsExpiry(t *testing.T) {
	c := NewWithClock(time.Minute, clockz.NewFakeClock())

	c.Set("k", 1)
	require.Equal(t, 1, c.TTLLen())
	c.SetWithTTL("k", 2, 0)
	assert.Equal(t, 0, c.TTLLen())
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheIncr(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := NewWithClock(time.Minute, clock)

	assert.Equal(t, 3, c.Incr("svc", 3))
	assert.Equal(t, 5, c.Incr("svc", 2))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Incr("svc", 1), "expired counters restart from zero")
}

func TestTTLCacheDeleteAndClear(t *testing.T) {
	c := NewWithClock(time.Minute, clockz.NewFakeClock())
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.TTLLen())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.TTLLen())
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	c := New(time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				c.Set(key, i)
				c.Get(key)
				c.Incr("shared", 1)
				_ = c.Len() + c.TTLLen()
			}
		}(g)
	}
	wg.Wait()

	v, ok := c.Get("shared")
	require.True(t, ok)
	assert.Equal(t, 1600, v)
	assert.Equal(t, 1601, c.Len())
}
