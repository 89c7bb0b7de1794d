package hashmap

import (
	"fmt"
	"reflect"

	"github.com/zhangjyr/hashmap"
)

// CornelkMap is a lock-free HashMap backed by github.com/zhangjyr/hashmap.
// It favours read-heavy workloads such as caches.
type CornelkMap[K any, V any] struct {
	hashmap   *hashmap.HashMap
	stringKey bool
}

func NewCornelkMap[K any, V any](size int) *CornelkMap[K, V] {
	var key K
	return &CornelkMap[K, V]{
		stringKey: reflect.TypeOf(key).Kind() == reflect.String,
		hashmap:   hashmap.New((uintptr)(size)),
	}
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.hashmap.Del(key)
}

func (m *CornelkMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.get(key)
	if !ok || v == nil || v == deleted {
		return ret, false
	}

	ret, ok = v.(V)
	if !ok {
		panic(fmt.Sprintf("CornelkMap.Load: type mismatch %v", v))
	}
	return ret, true
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (ret V, retExists bool) {
	v, retExists := m.get(key)
	if !retExists || v == deleted {
		return ret, false
	}

	// Mark the entry first so that concurrent LoadAndDelete calls return it at most once.
	for !m.hashmap.Cas(key, v, deleted) {
		v, retExists = m.get(key)
		if !retExists || v == deleted {
			return ret, false
		}
	}

	if v != nil {
		ret = v.(V)
	}
	m.hashmap.Del(key)
	return ret, true
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, value V) (ret V, loaded bool) {
	actual, loaded := m.hashmap.GetOrInsert(key, value)
	if actual != nil && actual != deleted {
		ret = actual.(V)
	}
	return ret, loaded
}

func (m *CornelkMap[K, V]) CompareAndSwap(key K, oldVal V, newVal V) (val V, swapped bool) {
	if m.hashmap.Cas(key, oldVal, newVal) {
		return newVal, true
	}
	return oldVal, false
}

// Range iterates over a snapshot of the map's entries.
func (m *CornelkMap[K, V]) Range(cb func(K, V) bool) {
	kvs := make([]hashmap.KeyValue, 0, m.hashmap.Len())
	for kv := range m.hashmap.Iter() {
		kvs = append(kvs, kv)
	}

	for _, kv := range kvs {
		if kv.Value == nil || kv.Value == deleted {
			continue
		}

		if !cb(kv.Key.(K), kv.Value.(V)) {
			return
		}
	}
}

func (m *CornelkMap[K, V]) Store(key K, val V) {
	m.hashmap.Set(key, val)
}

func (m *CornelkMap[K, V]) Len() int {
	return m.hashmap.Len()
}

func (m *CornelkMap[K, V]) get(key K) (interface{}, bool) {
	if m.stringKey {
		return m.hashmap.GetStringKey(any(key).(string))
	}
	return m.hashmap.Get(key)
}
