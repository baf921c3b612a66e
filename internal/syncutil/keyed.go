// Package syncutil provides keyed locking for read-modify-write sequences
// on individual agents and transactions.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-backed mutexes addressed by key.
// Memory use is bounded regardless of how many keys are seen; two keys that
// hash to the same shard serialize against each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex returns a ready KeyedMutex. The zero value is also usable.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock blocks until the lock for key is held or ctx is done.
// On success the returned func releases the lock and must be called.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockMany acquires the locks for all keys in ascending shard order, so two
// callers locking overlapping sets cannot deadlock. Duplicate shards are
// acquired once.
func (m *KeyedMutex) LockMany(ctx context.Context, keys ...string) (func(), error) {
	m.init()
	idx := make([]int, 0, len(keys))
	seen := make(map[uint32]bool, len(keys))
	for _, k := range keys {
		s := shardOf(k)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, int(s))
		}
	}
	sort.Ints(idx)

	held := make([]chan struct{}, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i] <- struct{}{}
		}
	}
	for _, i := range idx {
		ch := m.shards[i]
		select {
		case <-ch:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
