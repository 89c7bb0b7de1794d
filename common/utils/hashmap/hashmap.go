package hashmap

var (
	deleted = &struct{}{}
)

// BaseHashMap is the subset of sync.Map's API shared by every concurrent map in this package.
type BaseHashMap[K any, V any] interface {
	Delete(K)
	Load(K) (val V, loaded bool)
	LoadAndDelete(K) (val V, exists bool)
	LoadOrStore(K, V) (val V, loaded bool)
	CompareAndSwap(K, V, V) (val V, swapped bool)

	// Range iterates over the map's key/value pairs. Iteration stops when the callback returns false.
	Range(func(K, V) (contd bool))

	Store(K, V)
}

type HashMap[K any, V any] interface {
	BaseHashMap[K, V]
	Len() int
}

// Keys returns a snapshot of the keys of m.
func Keys[K any, V any](m BaseHashMap[K, V]) []K {
	keys := make([]K, 0)
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
