// Package syncutil has the in-process account locks used by the ledger.
package syncutil

import (
	"context"
	"slices"
	"sync"
)

// Shards is the number of locks in a ShardLock. Ids are mapped by modulus,
// so consecutive account ids never share a shard.
const Shards = 256

// ShardLock serialises work per int64 key using a fixed pool of locks.
// Keys sharing a shard share a lock, which bounds memory at the cost of
// occasional false contention. Waiting honours context cancellation.
type ShardLock struct {
	// A one-slot channel holding a token means unlocked.
	shards [Shards]chan struct{}
}

// NewShardLock returns a ShardLock with every shard unlocked.
func NewShardLock() *ShardLock {
	l := &ShardLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

func shardOf(key int64) int {
	return int(uint64(key) % Shards)
}

// Lock takes the shards of all keys and returns a function that releases
// them; calling it more than once is harmless. Shards are taken once each
// in ascending order, so callers locking overlapping sets in any order
// cannot deadlock. If ctx ends first, nothing stays held and ctx.Err() is
// returned.
func (l *ShardLock) Lock(ctx context.Context, keys ...int64) (unlock func(), err error) {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardOf(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := 0
	release := func() {
		for _, i := range idx[:held] {
			l.shards[i] <- struct{}{}
		}
	}
	for _, i := range idx {
		select {
		case <-l.shards[i]:
			held++
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return sync.OnceFunc(release), nil
}
