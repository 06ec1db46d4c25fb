// Package syncutil provides keyed locking primitives used to serialize
// balance-mutating operations per trade and per escrow record.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed-size pool of channel-based, non-reentrant mutexes
// keyed by string. Callers waiting on a lock can bail out when their context
// is cancelled. Memory use is bounded regardless of how many keys are seen,
// at the cost of occasional false sharing between keys hashing to one shard.
//
// The mutex is deliberately non-reentrant: a nested acquisition of the same
// key from within a held section deadlocks rather than silently interleaving,
// which is the single-flight discipline escrow records require.
type KeyedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// against a context's cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a ready-to-use keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, respecting context cancellation.
// On success it returns a release function the caller MUST invoke on every
// exit path. On cancellation it returns nil and the context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockPair acquires the mutexes for two keys in shard order, so two
// callers locking the same pair in opposite argument order cannot
// deadlock. When both keys land on one shard the single mutex is
// acquired once. The returned release function unlocks both.
func (m *KeyedMutex) LockPair(ctx context.Context, a, b string) (func(), error) {
	m.init()
	ia, ib := m.shardIdx(a), m.shardIdx(b)
	if ia == ib {
		return m.Lock(ctx, a)
	}
	if ia > ib {
		ia, ib = ib, ia
	}

	first := &m.shards[ia]
	select {
	case <-first.ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	second := &m.shards[ib]
	select {
	case <-second.ch:
	case <-ctx.Done():
		first.ch <- struct{}{}
		return nil, ctx.Err()
	}

	return func() {
		second.ch <- struct{}{}
		first.ch <- struct{}{}
	}, nil
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
