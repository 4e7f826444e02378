package directory

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// index is a map split into independently locked shards.
type index[K comparable, V any] struct {
	shards []indexShard[K, V]
	hash   func(K) uint64
}

type indexShard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func newIndex[K comparable, V any](n int, hash func(K) uint64) *index[K, V] {
	if n <= 0 {
		n = defaultShards
	}
	idx := &index[K, V]{shards: make([]indexShard[K, V], n), hash: hash}
	for i := range idx.shards {
		idx.shards[i].items = make(map[K]V)
	}
	return idx
}

func stringHash(s string) uint64 { return xxhash.Sum64String(s) }

func idHash(id uint64) uint64 { return id }

func (x *index[K, V]) shard(k K) *indexShard[K, V] {
	return &x.shards[x.hash(k)%uint64(len(x.shards))]
}

func (x *index[K, V]) get(k K) (V, bool) {
	s := x.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[k]
	return v, ok
}

func (x *index[K, V]) put(k K, v V) {
	s := x.shard(k)
	s.mu.Lock()
	s.items[k] = v
	s.mu.Unlock()
}

// swap stores v and returns the previous value.
func (x *index[K, V]) swap(k K, v V) (V, bool) {
	s := x.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[k]
	s.items[k] = v
	return old, ok
}

// takeIf deletes k only while its value satisfies match.
func (x *index[K, V]) takeIf(k K, match func(V) bool) bool {
	s := x.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[k]
	if !ok || !match(v) {
		return false
	}
	delete(s.items, k)
	return true
}

func (x *index[K, V]) values() []V {
	var out []V
	for i := range x.shards {
		s := &x.shards[i]
		s.mu.RLock()
		for _, v := range s.items {
			out = append(out, v)
		}
		s.mu.RUnlock()
	}
	return out
}

func (x *index[K, V]) len() int {
	n := 0
	for i := range x.shards {
		s := &x.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
