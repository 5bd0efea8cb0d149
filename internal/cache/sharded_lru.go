package cache

import (
	"encoding/binary"
	"hash/maphash"
	"sync"

	"github.com/hupe1980/caskdb/internal/model"
	"github.com/hupe1980/caskdb/internal/resource"
)

const numShards = 16

// ShardedLRU spreads entries across independent LRU shards to reduce lock
// contention under parallel reads.
type ShardedLRU struct {
	shards [numShards]*LRU
	seed   maphash.Seed
}

// NewShardedLRU creates a sharded cache. The capacity is divided evenly
// across shards.
func NewShardedLRU(capacity int64, rc *resource.Controller) *ShardedLRU {
	shardCapacity := max(capacity/numShards, 1)

	s := &ShardedLRU{seed: maphash.MakeSeed()}
	for i := range numShards {
		s.shards[i] = NewLRU(shardCapacity, rc)
	}
	return s
}

func (s *ShardedLRU) shard(key Key) *LRU {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(key.SegmentID))
	binary.LittleEndian.PutUint64(buf[8:], key.Offset)
	return s.shards[maphash.Bytes(s.seed, buf[:])%numShards]
}

// Get returns a cached value.
func (s *ShardedLRU) Get(key Key) ([]byte, bool) {
	return s.shard(key).Get(key)
}

// Set caches a value.
func (s *ShardedLRU) Set(key Key, b []byte) {
	s.shard(key).Set(key, b)
}

// InvalidateSegment drops every entry of segment id from all shards.
func (s *ShardedLRU) InvalidateSegment(id model.SegmentID) {
	var wg sync.WaitGroup
	wg.Add(numShards)
	for i := range numShards {
		go func(shard *LRU) {
			defer wg.Done()
			shard.InvalidateSegment(id)
		}(s.shards[i])
	}
	wg.Wait()
}

// Stats returns aggregated hit/miss statistics.
func (s *ShardedLRU) Stats() (hits, misses int64) {
	for i := range numShards {
		h, m := s.shards[i].Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total size across all shards.
func (s *ShardedLRU) Size() int64 {
	var total int64
	for i := range numShards {
		total += s.shards[i].Size()
	}
	return total
}

// Len returns the number of cached values across all shards.
func (s *ShardedLRU) Len() int {
	n := 0
	for i := range numShards {
		n += s.shards[i].Len()
	}
	return n
}
