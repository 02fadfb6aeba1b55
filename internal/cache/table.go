package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Overv/gitlabfs/internal/metrics"
)

// tableEntry holds one cached value and the instant it was stored.
type tableEntry[V any] struct {
	value  V
	stored time.Time
}

// table is a capacity-bounded TTL cache for one remote operation.
// Concurrent misses for the same key collapse into a single fetch.
type table[V any] struct {
	name     string // metrics label
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]tableEntry[V]
	sf      singleflight.Group
}

func newTable[V any](name string, capacity int, ttl time.Duration, now func() time.Time) *table[V] {
	return &table[V]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		entries:  make(map[string]tableEntry[V]),
	}
}

// get returns the cached value for key, fetching it at most once across
// concurrent callers on a miss. A failed fetch stores nothing, so the
// next call retries against the remote.
func (t *table[V]) get(key string, fetch func() (V, error)) (V, error) {
	if v, ok := t.lookup(key); ok {
		metrics.RecordCacheHit(t.name)
		return v, nil
	}
	metrics.RecordCacheMiss(t.name)

	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		// A concurrent flight may have stored the value while this
		// caller was waiting on the flight lock.
		if v, ok := t.lookup(key); ok {
			return v, nil
		}

		v, err := fetch()
		if err != nil {
			return nil, err
		}
		t.store(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// lookup returns a fresh entry, deleting it if expired.
func (t *table[V]) lookup(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if t.expired(e) {
		delete(t.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (t *table[V]) store(key string, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.capacity {
		t.evictLocked()
	}
	t.entries[key] = tableEntry[V]{value: value, stored: t.now()}
}

// evictLocked drops expired entries, then the oldest entry if the table
// is still full.
func (t *table[V]) evictLocked() {
	for k, e := range t.entries {
		if t.expired(e) {
			delete(t.entries, k)
		}
	}
	if len(t.entries) < t.capacity {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, e := range t.entries {
		if oldestKey == "" || e.stored.Before(oldest) {
			oldestKey = k
			oldest = e.stored
		}
	}
	if oldestKey != "" {
		delete(t.entries, oldestKey)
	}
}

func (t *table[V]) expired(e tableEntry[V]) bool {
	if t.ttl <= 0 {
		return false
	}
	return !t.now().Before(e.stored.Add(t.ttl))
}

// len returns the number of live entries.
func (t *table[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
