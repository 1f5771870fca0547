package memcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestObject_StaleUntilCached(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	o := New[string](clock.Now)

	assert.True(t, o.IsCacheStale(time.Hour), "fresh object has no timestamp")
	_, ok := o.Get()
	assert.False(t, ok)

	o.CacheInstance("v1")
	assert.False(t, o.IsCacheStale(time.Minute))

	clock.Advance(time.Minute)
	assert.False(t, o.IsCacheStale(time.Minute), "exactly ttl elapsed is not stale")

	clock.Advance(time.Millisecond)
	assert.True(t, o.IsCacheStale(time.Minute))

	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestObject_ZeroValueUsable(t *testing.T) {
	var o Object[int]
	assert.True(t, o.IsCacheStale(time.Hour))
	o.CacheInstance(7)
	assert.False(t, o.IsCacheStale(time.Hour))
}

func TestObject_ClearCacheTimestampKeepsValue(t *testing.T) {
	o := New[int](nil)
	o.CacheInstance(42)
	o.ClearCacheTimestamp()

	assert.True(t, o.IsCacheStale(time.Hour))
	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, fresh := o.GetFresh(time.Hour)
	assert.False(t, fresh)
}

func TestObject_ClearCache(t *testing.T) {
	o := New[*int](nil)
	n := 1
	o.CacheInstance(&n)
	o.ClearCache()

	v, ok := o.Get()
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.True(t, o.IsCacheStale(time.Hour))
}

func TestObject_ConcurrentAccess(t *testing.T) {
	o := New[int](nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			o.CacheInstance(i)
		}(i)
		go func() {
			defer wg.Done()
			o.IsCacheStale(time.Second)
			o.Get()
		}()
	}
	wg.Wait()
	assert.False(t, o.IsCacheStale(time.Minute))
}
