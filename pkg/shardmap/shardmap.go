// Package shardmap implements a hash-sharded key/value map that keeps first-insertion order.
//
// Keys are spread across a fixed number of sub-maps by a DJB2 hash of the key's tail, and a
// separate linked list records arrival order. Each entry holds its list element, so insert,
// lookup and delete are all O(1) and iteration order never needs re-sorting.
package shardmap

import (
	"container/list"
	"iter"
	"sync"
)

const (
	DefaultShardCount = 16

	// hashSuffixLen bounds hashing cost for long numeric-string keys (bill numbers, addresses).
	hashSuffixLen = 32
)

// Entry is a key/value pair accepted by SetMany.
type Entry[V any] struct {
	Key   string
	Value V
}

type slot[V any] struct {
	value V
	elem  *list.Element // element in Map.order holding the key
}

// Map is safe for concurrent use. The zero value is not usable; call New.
type Map[V any] struct {
	mu      sync.RWMutex
	shards  []map[string]*slot[V]
	order   *list.List
	version uint64
}

// New returns a map with shardCount sub-maps (DefaultShardCount when shardCount <= 0).
func New[V any](shardCount int) *Map[V] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]map[string]*slot[V], shardCount)
	for i := range shards {
		shards[i] = make(map[string]*slot[V])
	}
	return &Map[V]{shards: shards, order: list.New()}
}

// ShardIndex returns the shard a key maps to for a map with n shards.
func ShardIndex(key string, n int) int {
	start := 0
	if len(key) > hashSuffixLen {
		start = len(key) - hashSuffixLen
	}
	var h uint32 = 5381
	for i := start; i < len(key); i++ {
		h = (h << 5) + h + uint32(key[i])
	}
	return int(h % uint32(n))
}

func (m *Map[V]) shard(key string) map[string]*slot[V] {
	return m.shards[ShardIndex(key, len(m.shards))]
}

// set must be called with m.mu held for writing.
func (m *Map[V]) set(key string, value V) {
	sh := m.shard(key)
	if s, ok := sh[key]; ok {
		s.value = value
		return
	}
	sh[key] = &slot[V]{value: value, elem: m.order.PushBack(key)}
}

// Set inserts or replaces the value for key. A replaced key keeps its original position.
func (m *Map[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value)
	m.version++
}

// SetMany applies entries in order under a single version bump.
func (m *Map[V]) SetMany(entries ...Entry[V]) {
	if len(entries) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.set(e.Key, e.Value)
	}
	m.version++
}

// Update replaces the value for an existing key with fn(old). It reports whether the key existed.
func (m *Map[V]) Update(key string, fn func(V) V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shard(key)[key]
	if !ok {
		return false
	}
	s.value = fn(s.value)
	m.version++
	return true
}

func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.shard(key)[key]; ok {
		return s.value, true
	}
	var zero V
	return zero, false
}

func (m *Map[V]) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.shard(key)[key]
	return ok
}

// delete must be called with m.mu held for writing.
func (m *Map[V]) delete(key string) bool {
	sh := m.shard(key)
	s, ok := sh[key]
	if !ok {
		return false
	}
	m.order.Remove(s.elem)
	delete(sh, key)
	return true
}

func (m *Map[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.delete(key) {
		return false
	}
	m.version++
	return true
}

// DeleteMany removes every present key and returns how many were removed.
func (m *Map[V]) DeleteMany(keys ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if m.delete(k) {
			n++
		}
	}
	if n > 0 {
		m.version++
	}
	return n
}

func (m *Map[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.shards {
		m.shards[i] = make(map[string]*slot[V])
	}
	m.order.Init()
	m.version++
}

// Len is the ordered-set cardinality, not a sum over shards.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Version increases on every mutation. Consumers compare it to skip recomputing derived views.
func (m *Map[V]) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *Map[V]) ShardCount() int { return len(m.shards) }

// Entries returns a copy of all entries in insertion order.
func (m *Map[V]) Entries() []Entry[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry[V], 0, m.order.Len())
	for e := m.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(string)
		out = append(out, Entry[V]{Key: k, Value: m.shard(k)[k].value})
	}
	return out
}

// Values returns the values in insertion order.
func (m *Map[V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, m.order.Len())
	for e := m.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(string)
		out = append(out, m.shard(k)[k].value)
	}
	return out
}

// Keys returns the keys in insertion order.
func (m *Map[V]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, m.order.Len())
	for e := m.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

// All iterates a snapshot in insertion order, so the loop body may mutate the map.
func (m *Map[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for _, e := range m.Entries() {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}
