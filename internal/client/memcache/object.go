// Package memcache holds a short-lived in-process copy of a value between
// device cache refreshes.
package memcache

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// Object holds at most one value and the time it was cached. The zero value
// is empty and ready to use.
type Object[T any] struct {
	mu       sync.RWMutex
	value    T
	has      bool
	cachedAt time.Time
	stamped  bool
	now      timex.Clock
}

// New returns an empty Object using now as its clock (time.Now when nil).
func New[T any](now timex.Clock) *Object[T] {
	return &Object[T]{now: now}
}

// IsCacheStale is true when no timestamp is set or more than ttl elapsed
// since it was.
func (o *Object[T]) IsCacheStale(ttl time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.stamped {
		return true
	}
	return o.now.Now().Sub(o.cachedAt) > ttl
}

// CacheInstance sets the value and stamps it with the current time.
func (o *Object[T]) CacheInstance(v T) {
	t := o.now.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value, o.has = v, true
	o.cachedAt, o.stamped = t, true
}

// Get returns the cached value, stale or not.
func (o *Object[T]) Get() (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value, o.has
}

// GetFresh returns the value only when it is not stale for ttl.
func (o *Object[T]) GetFresh(ttl time.Duration) (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.has || !o.stamped || o.now.Now().Sub(o.cachedAt) > ttl {
		var zero T
		return zero, false
	}
	return o.value, true
}

// ClearCacheTimestamp makes the object stale but keeps the value.
func (o *Object[T]) ClearCacheTimestamp() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cachedAt, o.stamped = time.Time{}, false
}

// ClearCache drops both the value and its timestamp.
func (o *Object[T]) ClearCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	var zero T
	o.value, o.has = zero, false
	o.cachedAt, o.stamped = time.Time{}, false
}
