package keydir

import (
	"hash/maphash"
	"math/bits"
	"sync"

	"github.com/hupe1980/caskdb/internal/model"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

type shard struct {
	mu sync.RWMutex
	m  map[string]model.Entry
}

// Keydir maps every live key to the location of its newest record.
// It is safe for concurrent use; contention is spread across shards.
type Keydir struct {
	shards []shard
	mask   uint64
	seed   maphash.Seed
}

// New creates a keydir with n shards, rounded up to a power of two.
func New(n int) *Keydir {
	if n <= 0 {
		n = DefaultShards
	}
	n = 1 << bits.Len(uint(n-1))

	k := &Keydir{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		seed:   maphash.MakeSeed(),
	}
	for i := range k.shards {
		k.shards[i].m = make(map[string]model.Entry)
	}
	return k
}

// ShardCount returns the number of shards.
func (k *Keydir) ShardCount() int {
	return len(k.shards)
}

func (k *Keydir) shard(key []byte) *shard {
	return &k.shards[maphash.Bytes(k.seed, key)&k.mask]
}

// Get returns the entry for key.
func (k *Keydir) Get(key []byte) (model.Entry, bool) {
	s := k.shard(key)
	s.mu.RLock()
	e, ok := s.m[string(key)]
	s.mu.RUnlock()
	return e, ok
}

// Put sets the entry for key and returns the entry it replaced, if any.
func (k *Keydir) Put(key []byte, e model.Entry) (model.Entry, bool) {
	s := k.shard(key)
	s.mu.Lock()
	prev, ok := s.m[string(key)]
	s.m[string(key)] = e
	s.mu.Unlock()
	return prev, ok
}

// PutIfNewer sets the entry unless the current one is newer.
// It returns the replaced entry and whether e was applied.
func (k *Keydir) PutIfNewer(key []byte, e model.Entry) (prev model.Entry, replaced, applied bool) {
	s := k.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, replaced = s.m[string(key)]
	if replaced && !e.Newer(prev) {
		return prev, true, false
	}
	s.m[string(key)] = e
	return prev, replaced, true
}

// Delete removes key and returns the removed entry, if any.
func (k *Keydir) Delete(key []byte) (model.Entry, bool) {
	s := k.shard(key)
	s.mu.Lock()
	prev, ok := s.m[string(key)]
	if ok {
		delete(s.m, string(key))
	}
	s.mu.Unlock()
	return prev, ok
}

// DeleteIfOlder removes key if its entry is older than ts.
func (k *Keydir) DeleteIfOlder(key []byte, ts uint64) (model.Entry, bool) {
	s := k.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.m[string(key)]
	if !ok || prev.Timestamp > ts {
		return model.Entry{}, false
	}
	delete(s.m, string(key))
	return prev, true
}

// CompareAndSwap replaces the entry for key with next only if the current
// entry equals old.
func (k *Keydir) CompareAndSwap(key []byte, old, next model.Entry) bool {
	s := k.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[string(key)]
	if !ok || cur != old {
		return false
	}
	s.m[string(key)] = next
	return true
}

// CompareAndDelete removes key only if its current entry equals old.
func (k *Keydir) CompareAndDelete(key []byte, old model.Entry) bool {
	s := k.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[string(key)]
	if !ok || cur != old {
		return false
	}
	delete(s.m, string(key))
	return true
}

// Len returns the number of keys.
func (k *Keydir) Len() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false.
// Each shard is read under its own lock, so the iteration is consistent per
// shard but not across shards. fn must not modify the keydir.
func (k *Keydir) Range(fn func(key string, e model.Entry) bool) {
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.RLock()
		for key, e := range s.m {
			if !fn(key, e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns a copy of all keys in unspecified order.
func (k *Keydir) Keys() [][]byte {
	out := make([][]byte, 0, k.Len())
	k.Range(func(key string, _ model.Entry) bool {
		out = append(out, []byte(key))
		return true
	})
	return out
}
