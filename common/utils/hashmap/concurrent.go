package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a sharded HashMap keyed by strings.
type ConcurrentMap[V comparable] struct {
	backend cmap.ConcurrentMap[string, V]
}

// NewConcurrentMap creates a ConcurrentMap.
//
// shards overrides the package-wide shard count of the backend when positive. It only affects maps created afterwards.
func NewConcurrentMap[V comparable](shards int) *ConcurrentMap[V] {
	if shards > 0 {
		cmap.SHARD_COUNT = shards
	}

	return &ConcurrentMap[V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[V]) Delete(key string) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[V]) Load(key string) (V, bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[V]) LoadAndDelete(key string) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key string, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[V]) LoadOrStore(key string, value V) (V, bool) {
	if m.backend.SetIfAbsent(key, value) {
		return value, false
	}
	return m.Load(key)
}

// CompareAndSwap swaps the value stored under key for newVal if it currently equals oldVal.
// A missing key compares equal to the zero value of V.
func (m *ConcurrentMap[V]) CompareAndSwap(key string, oldVal V, newVal V) (val V, swapped bool) {
	var zero V
	if oldVal != zero && !m.backend.Has(key) {
		return zero, false
	}

	val = m.backend.Upsert(key, newVal, func(exist bool, valueInMap V, newValue V) V {
		if exist && valueInMap == oldVal {
			swapped = true
			return newValue
		}
		if !exist {
			if oldVal == zero {
				swapped = true
				return newValue
			}
		}
		return valueInMap
	})
	return val, swapped
}

func (m *ConcurrentMap[V]) Range(cb func(string, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(item.Key, item.Val)
		}
		// iterate over all items to drain the channel
	}
}

func (m *ConcurrentMap[V]) Store(key string, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[V]) Len() int {
	return m.backend.Count()
}
